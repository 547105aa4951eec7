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
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/plex-relay/pkg/types"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// filterParams reads the region and Gracenote selection from the request.
// Absent or empty regions fall back to the configured defaults; unknown
// region names simply match nothing.
func (c *Config) filterParams(ctx *gin.Context) (map[string]bool, types.GracenoteFilter) {
	regions := make(map[string]bool)
	for _, r := range strings.Split(ctx.Query("regions"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			regions[r] = true
		}
	}
	if len(regions) == 0 {
		for _, r := range c.DefaultRegions {
			regions[r] = true
		}
	}

	var gracenote types.GracenoteFilter
	switch ctx.Query("gracenote") {
	case "include":
		gracenote = types.GracenoteInclude
	case "exclude":
		gracenote = types.GracenoteExclude
	}

	return regions, gracenote
}

// getPlaylist renders the current lineup as an M3U playlist whose stream and
// logo URLs all point back at this relay.
func (c *Config) getPlaylist(ctx *gin.Context) {
	regions, gracenote := c.filterParams(ctx)
	channels := c.lineup.Snapshot().Filter(regions, gracenote)
	base := c.advertisedBase()

	var buffer bytes.Buffer
	buffer.WriteString(fmt.Sprintf("#EXTM3U url-tvg=%q\n", base+"/epg.xml")) // nolint: errcheck

	for _, track := range channels {
		buffer.WriteString("#EXTINF:-1")                              // nolint: errcheck
		buffer.WriteString(fmt.Sprintf(" tvg-id=%q", track.ID))       // nolint: errcheck
		if track.Number != "" {
			buffer.WriteString(fmt.Sprintf(" tvg-chno=%q", track.Number)) // nolint: errcheck
		}
		if track.LogoURL != "" {
			buffer.WriteString(fmt.Sprintf(" tvg-logo=%q", fmt.Sprintf("%s/logo/%s", base, track.ID))) // nolint: errcheck
		}
		if track.Group != "" {
			buffer.WriteString(fmt.Sprintf(" group-title=%q", track.Group)) // nolint: errcheck
		}
		buffer.WriteString(fmt.Sprintf(", %s\n", track.Title))                            // nolint: errcheck
		buffer.WriteString(fmt.Sprintf("%s/stream/%s/%s\n", base, track.ID, track.StreamKey)) // nolint: errcheck
	}

	utils.DebugLog("Playlist request from %s: %d channels (regions=%v, gracenote=%s)",
		ctx.ClientIP(), len(channels), regions, gracenote)

	ctx.Header("Content-Disposition", `attachment; filename="playlist.m3u"`)
	ctx.Data(http.StatusOK, "audio/x-mpegurl", buffer.Bytes())
}
