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

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/plex-relay/pkg/utils"
)

// getLogo serves a channel's logo from the cache, fetching it from Plex on
// first request. Unknown channels and unfetchable logos both come back 404;
// a failed fetch is retried on the next request rather than cached.
func (c *Config) getLogo(ctx *gin.Context) {
	id := ctx.Param("id")

	channel, ok := c.lineup.Snapshot().ChannelByID(id)
	if !ok || channel.LogoURL == "" {
		ctx.AbortWithStatus(http.StatusNotFound)
		return
	}

	entry, err := c.logos.Get(ctx.Request.Context(), channel.LogoURL)
	if err != nil {
		utils.DebugLog("Logo unavailable for channel %s: %v", id, err)
		ctx.AbortWithStatus(http.StatusNotFound)
		return
	}

	ctx.Header("Cache-Control", "public, max-age=86400")
	ctx.Data(http.StatusOK, entry.ContentType, entry.Data)
}
