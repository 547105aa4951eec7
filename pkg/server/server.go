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
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lucasduport/plex-relay/pkg/config"
	"github.com/lucasduport/plex-relay/pkg/epg"
	"github.com/lucasduport/plex-relay/pkg/lineup"
	"github.com/lucasduport/plex-relay/pkg/logocache"
	"github.com/lucasduport/plex-relay/pkg/plex"
	"github.com/lucasduport/plex-relay/pkg/session"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// Config represent the server configuration
type Config struct {
	*config.RelayConfig

	plex     *plex.Client
	lineup   *lineup.Cache
	sessions *session.Manager
	logos    *logocache.Cache
	guide    *epg.Builder

	// parsed once; the manifest rewriter compares hosts against it
	streamBase *url.URL

	startedAt time.Time
}

// NewServer initializes a new server configuration with all necessary components
func NewServer(conf *config.RelayConfig) (*Config, error) {
	// Initialize debug logging from environment variable
	utils.Config.DebugLoggingEnabled = os.Getenv("DEBUG_LOGGING") == "true"

	client, err := plex.New(conf)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}

	streamBase, err := url.Parse(client.StreamBase)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}

	tms, err := epg.LoadTMS(conf.TMSFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TMS table: %w", err)
	}

	serverConfig := &Config{
		RelayConfig: conf,
		plex:        client,
		lineup:      lineup.NewCache(client, conf.LineupRefresh),
		sessions:    session.NewManager(client, conf.SessionTimeout, conf.TokenRefreshMargin),
		logos:       logocache.NewCache(conf.UpstreamTimeout),
		guide:       epg.NewBuilder(tms),
		streamBase:  streamBase,
		startedAt:   time.Now(),
	}

	utils.InfoLog("Relay configured: plex=%s, regions=%v, token=%s",
		client.StreamBase, conf.DefaultRegions, conf.PlexToken.Redacted())

	return serverConfig, nil
}

// Serve the plex-relay api
func (c *Config) Serve() error {
	utils.InfoLog("[plex-relay] Server is starting...")

	// Lineup sync runs for the process lifetime; the first refresh happens
	// before the ticker so the playlist is usable right after startup.
	go c.lineup.Run()
	defer c.lineup.Stop()
	defer c.sessions.Close()

	router := gin.Default()
	router.Use(cors.Default())
	utils.InfoLog("Setting up routes...")

	group := router.Group("/")
	c.routes(group)

	utils.InfoLog("[plex-relay] Server is ready and listening on :%d", c.HostConfig.Port)
	return router.Run(fmt.Sprintf(":%d", c.HostConfig.Port))
}

// advertisedBase is the URL prefix clients are told to come back to. Playlist
// and guide entries embed it, so it reflects the advertised host/port rather
// than the listener's.
func (c *Config) advertisedBase() string {
	protocol := "http"
	if c.HTTPS {
		protocol = "https"
	}

	customEnd := strings.Trim(c.CustomEndpoint, "/")
	if customEnd != "" {
		customEnd = "/" + customEnd
	}

	return fmt.Sprintf("%s://%s:%d%s", protocol, c.HostConfig.Hostname, c.AdvertisedPort, customEnd)
}

// localPath is the router-relative path for a route, honoring the custom endpoint
func (c *Config) localPath(elem ...string) string {
	parts := append([]string{"/", strings.Trim(c.CustomEndpoint, "/")}, elem...)
	return path.Join(parts...)
}
