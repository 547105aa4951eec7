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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/plex-relay/pkg/types"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// getEPG renders the guide for the filtered lineup as XMLTV. The whole lineup
// slice goes out as one batched grid call; a failed fetch degrades to channel
// elements without programmes rather than failing the document, and channels
// the batch response does not cover render without a schedule.
func (c *Config) getEPG(ctx *gin.Context) {
	regions, gracenote := c.filterParams(ctx)
	channels := c.lineup.Snapshot().Filter(regions, gracenote)

	from := time.Now()
	to := from.Add(c.GuideWindow)

	ids := make([]string, len(channels))
	for i, channel := range channels {
		ids[i] = channel.ID
	}

	var programmes []types.Programme
	if entries, err := c.plex.Grid(ctx.Request.Context(), ids, from, to); err != nil {
		utils.WarnLog("Guide fetch failed for %d channels, rendering without programmes: %v", len(ids), err)
	} else {
		programmes = entries
	}

	out, err := c.guide.Build(channels, programmes, c.advertisedBase())
	if err != nil {
		ctx.AbortWithError(http.StatusInternalServerError, utils.PrintErrorAndReturn(err)) // nolint: errcheck
		return
	}

	utils.InfoLog("EPG request from %s: %d channels, %d programmes",
		ctx.ClientIP(), len(channels), len(programmes))

	ctx.Header("Content-Disposition", `attachment; filename="epg.xml"`)
	ctx.Data(http.StatusOK, "application/xml", out)
}
