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

package config

import (
	"net/url"
	"time"
)

// HostConfiguration is the listener host/port pair
type HostConfiguration struct {
	Hostname string
	Port     int
}

// CredentialString hides a credential from accidental logging.
// Use String() only where the raw value is genuinely needed.
type CredentialString string

// String returns the raw credential value
func (s CredentialString) String() string {
	return string(s)
}

// QueryEscape returns the credential escaped for use in a query string
func (s CredentialString) QueryEscape() string {
	return url.QueryEscape(string(s))
}

// Redacted returns a safe representation for logs
func (s CredentialString) Redacted() string {
	if s == "" {
		return "<unset>"
	}
	return "<redacted>"
}

// RelayConfig represents the whole relay configuration
type RelayConfig struct {
	HostConfig     *HostConfiguration
	AdvertisedPort int
	HTTPS          bool
	CustomEndpoint string

	// Plex backend endpoints and identity
	PlexToken      CredentialString
	PlexAuthBase   string
	PlexEPGBase    string
	PlexStreamBase string
	ClientID       string

	// Lineup and guide
	DefaultRegions []string
	LineupRefresh  time.Duration
	GuideWindow    time.Duration
	TMSFile        string

	// Session tuning
	SessionTimeout     time.Duration
	TokenTTL           time.Duration
	TokenRefreshMargin time.Duration
	UpstreamTimeout    time.Duration
}
