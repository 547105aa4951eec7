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
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// getIndex serves a small status page with the URLs an IPTV client needs
func (c *Config) getIndex(ctx *gin.Context) {
	snap := c.lineup.Snapshot()
	base := c.advertisedBase()

	var buffer bytes.Buffer
	buffer.WriteString("plex-relay\n")
	buffer.WriteString("==========\n\n")
	buffer.WriteString(fmt.Sprintf("Playlist:  %s/playlist.m3u\n", base))
	buffer.WriteString(fmt.Sprintf("Guide:     %s/epg.xml\n", base))
	buffer.WriteString(fmt.Sprintf("Metrics:   %s/metrics\n\n", base))

	if snap.FetchedAt.IsZero() {
		buffer.WriteString("Lineup:    not yet synced\n")
	} else {
		buffer.WriteString(fmt.Sprintf("Lineup:    %d channels in %d regions (synced %s ago)\n",
			len(snap.Channels), len(snap.Regions), time.Since(snap.FetchedAt).Round(time.Second)))
	}
	buffer.WriteString(fmt.Sprintf("Sessions:  %d active\n", c.sessions.ActiveSessions()))
	buffer.WriteString(fmt.Sprintf("Logos:     %d cached\n", c.logos.Len()))
	buffer.WriteString(fmt.Sprintf("Uptime:    %s\n", time.Since(c.startedAt).Round(time.Second)))

	ctx.Data(http.StatusOK, "text/plain; charset=utf-8", buffer.Bytes())
}
