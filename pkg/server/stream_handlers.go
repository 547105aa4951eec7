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
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/plex-relay/pkg/hls"
	"github.com/lucasduport/plex-relay/pkg/metrics"
	"github.com/lucasduport/plex-relay/pkg/types"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// maxManifestBytes bounds a manifest read into memory for rewriting.
// Live HLS manifests are a few KB; anything near this limit is not one.
const maxManifestBytes = 8 << 20

// hop-by-hop and relay-managed headers never copied from upstream responses
var skippedUpstreamHeaders = map[string]bool{
	"Connection":                  true,
	"Keep-Alive":                  true,
	"Transfer-Encoding":           true,
	"Content-Length":              true,
	"Access-Control-Allow-Origin": true,
}

// streamChannel relays one manifest or segment request for a channel. The
// channel id in the path binds every request of a playback to the same
// session key, so the rewritten URLs a client follows keep hitting the
// session that fetched the manifest they came from.
func (c *Config) streamChannel(ctx *gin.Context) {
	id := ctx.Param("id")
	fragment := strings.TrimPrefix(ctx.Param("fragment"), "/")

	channel, ok := c.lineup.Snapshot().ChannelByID(id)
	if !ok {
		utils.DebugLog("Stream request for unknown channel %s from %s", id, ctx.ClientIP())
		metrics.RelayFailures.WithLabelValues("unknown_channel").Inc()
		ctx.AbortWithStatus(http.StatusNotFound)
		return
	}

	// Bare channel URL: serve the master manifest
	if fragment == "" {
		fragment = channel.StreamKey
	}

	// Rewritten same-origin URLs keep their query (signed segment URLs carry
	// their authorization there); it must reach upstream intact.
	if q := ctx.Request.URL.RawQuery; q != "" {
		fragment += "?" + q
	}

	key := types.SessionKey{ChannelID: id, ClientID: ctx.ClientIP()}

	token, sessionID, err := c.sessions.Token(ctx.Request.Context(), key)
	if err != nil {
		c.abortUpstream(ctx, err)
		return
	}

	resp, err := c.plex.Fetch(ctx.Request.Context(), fragment, token, sessionID)
	if err != nil {
		c.abortUpstream(ctx, err)
		return
	}

	// A rejected token usually means Plex expired it early. Force one fresh
	// acquisition and retry; a second rejection is passed through.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		utils.WarnLog("Upstream rejected token for session %s/%s (%d), reacquiring", id, key.ClientID, resp.StatusCode)
		c.sessions.Invalidate(key, token)

		token, sessionID, err = c.sessions.Token(ctx.Request.Context(), key)
		if err != nil {
			c.abortUpstream(ctx, err)
			return
		}
		resp, err = c.plex.Fetch(ctx.Request.Context(), fragment, token, sessionID)
		if err != nil {
			c.abortUpstream(ctx, err)
			return
		}
	}
	defer resp.Body.Close()

	c.sessions.Touch(key)

	if hls.IsManifest(resp.Header.Get("Content-Type"), fragment) && resp.StatusCode == http.StatusOK {
		c.relayManifest(ctx, id, fragment, resp)
		return
	}

	metrics.RelayRequests.WithLabelValues("segment").Inc()
	c.relayBody(ctx, resp)
}

// relayManifest rewrites every URL in an HLS manifest to re-enter the relay
// under the same channel before sending it to the client.
func (c *Config) relayManifest(ctx *gin.Context, channelID, fragment string, resp *http.Response) {
	metrics.RelayRequests.WithLabelValues("manifest").Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		utils.ErrorLog("Failed to read upstream manifest for channel %s: %v", channelID, err)
		metrics.RelayFailures.WithLabelValues("upstream").Inc()
		ctx.AbortWithStatus(http.StatusBadGateway)
		return
	}

	target, err := c.plex.ResolveFragment(fragment)
	if err != nil {
		ctx.AbortWithError(http.StatusInternalServerError, utils.PrintErrorAndReturn(err)) // nolint: errcheck
		return
	}
	manifestURL, err := url.Parse(target)
	if err != nil {
		ctx.AbortWithError(http.StatusInternalServerError, utils.PrintErrorAndReturn(err)) // nolint: errcheck
		return
	}

	rc := hls.RewriteContext{
		LocalPrefix: c.localPath("stream", channelID),
		ManifestURL: manifestURL,
		StreamBase:  c.streamBase,
	}
	rewritten := rc.Rewrite(body)

	utils.DebugLog("Rewrote manifest for channel %s (%d -> %d bytes)", channelID, len(body), len(rewritten))

	ctx.Header("Cache-Control", "no-store")
	ctx.Data(http.StatusOK, "application/vnd.apple.mpegurl", rewritten)
}

// relayBody copies an upstream response to the client byte for byte, flushing
// as data arrives so live segments are not held back by buffering. Upstream
// status codes, including errors, pass through unchanged.
func (c *Config) relayBody(ctx *gin.Context, resp *http.Response) {
	for name, values := range resp.Header {
		if skippedUpstreamHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			ctx.Writer.Header().Add(name, v)
		}
	}
	ctx.Header("Cache-Control", "no-store")
	ctx.Status(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := ctx.Writer.Write(buf[:n]); werr != nil {
				// Client disconnected; the request context cancels the
				// upstream fetch on return.
				utils.DebugLog("Client write error during relay: %v", werr)
				return
			}
			ctx.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				utils.DebugLog("Upstream read ended with error: %v", err)
			}
			return
		}
	}
}

// abortUpstream maps relay errors onto client-facing HTTP statuses
func (c *Config) abortUpstream(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrSessionAcquisition):
		metrics.RelayFailures.WithLabelValues("session").Inc()
		utils.ErrorLog("Session acquisition failed: %v", err)
		ctx.AbortWithStatus(http.StatusBadGateway)
	case errors.Is(err, utils.ErrUpstreamUnavailable):
		metrics.RelayFailures.WithLabelValues("upstream").Inc()
		utils.ErrorLog("Upstream unavailable: %v", err)
		ctx.AbortWithStatus(http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing to send
		ctx.Abort()
	default:
		metrics.RelayFailures.WithLabelValues("internal").Inc()
		ctx.AbortWithError(http.StatusInternalServerError, utils.PrintErrorAndReturn(err)) // nolint: errcheck
	}
}
