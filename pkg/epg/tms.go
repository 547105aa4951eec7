/*
 * plex-relay exposes Plex's Live TV lineup to IPTV clients and relays the streams.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package epg

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/lucasduport/plex-relay/pkg/utils"
)

// TMSTable is the read-only lookup from Plex program identifiers to
// Gracenote/TMS ids, loaded once at startup from a JSON object
// ({"<plexId>": "<tmsId>", ...}). A missing file just disables enrichment.
type TMSTable struct {
	mu   sync.RWMutex
	byID map[string]string
}

// LoadTMS reads the lookup table from a JSON file. An empty path or an
// absent file yields an empty table (enrichment silently disabled).
func LoadTMS(path string) (*TMSTable, error) {
	t := &TMSTable{byID: make(map[string]string)}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			utils.InfoLog("TMS table %s not found, EPG enrichment disabled", path)
			return t, nil
		}
		return nil, err
	}

	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	for plexID, tmsID := range raw {
		plexID = strings.TrimSpace(plexID)
		tmsID = strings.TrimSpace(tmsID)
		if plexID == "" || tmsID == "" {
			continue
		}
		t.byID[plexID] = tmsID
	}

	utils.InfoLog("Loaded %d TMS ids from %s", len(t.byID), path)
	return t, nil
}

// Lookup resolves a Plex program identifier to a TMS id
func (t *TMSTable) Lookup(plexID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byID[plexID]
	return id, ok
}

// Len returns the number of known TMS ids
func (t *TMSTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
