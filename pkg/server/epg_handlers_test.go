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

package server

import (
	"encoding/xml"
	"net/http"
	"strings"
	"testing"

	"github.com/lucasduport/plex-relay/pkg/epg"
)

func TestGetEPG(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	// nyc covers ch-b (guide available) and ch-c (no guide data upstream)
	rec := doRequest(router, "/epg.xml?regions=nyc")
	defer dumpOnFailure(t, rec)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var doc epg.TV
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("epg.xml is not valid XML: %v", err)
	}

	if len(doc.Channels) != 2 {
		t.Fatalf("document has %d channels, want 2", len(doc.Channels))
	}
	if doc.Channels[0].ID != "ch-b" || doc.Channels[1].ID != "ch-c" {
		t.Errorf("channel ids = %s, %s", doc.Channels[0].ID, doc.Channels[1].ID)
	}

	// ch-b has its programme; ch-c renders with an empty schedule instead
	// of breaking the document
	if len(doc.Programmes) != 1 {
		t.Fatalf("document has %d programmes, want 1", len(doc.Programmes))
	}
	p := doc.Programmes[0]
	if p.Channel != "ch-b" || !strings.Contains(p.Title, "ch-b") {
		t.Errorf("programme = %+v", p)
	}
	if p.Start == "" || p.Stop == "" {
		t.Errorf("programme missing times: %+v", p)
	}

	// The whole lineup slice goes out as one grid call, not one per channel
	fake.mu.Lock()
	gridCalls := fake.gridCalls
	fake.mu.Unlock()
	if gridCalls != 1 {
		t.Errorf("guide render made %d grid calls, want 1", gridCalls)
	}
}

func TestGetEPGDefaultRegions(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	rec := doRequest(router, "/epg.xml")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var doc epg.TV
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("epg.xml is not valid XML: %v", err)
	}

	// Default region "local": ch-a and ch-b
	if len(doc.Channels) != 2 || doc.Channels[0].ID != "ch-a" || doc.Channels[1].ID != "ch-b" {
		t.Errorf("channels = %+v", doc.Channels)
	}
	if len(doc.Programmes) != 2 {
		t.Errorf("programmes = %d, want 2", len(doc.Programmes))
	}
}
