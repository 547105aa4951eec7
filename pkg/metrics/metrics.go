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

// Package metrics holds the relay's Prometheus collectors. They live in one
// place so the session manager and caches can record events without importing
// the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayRequests counts relayed requests by kind (manifest, segment)
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexrelay_relay_requests_total",
		Help: "Relayed upstream requests by kind.",
	}, []string{"kind"})

	// RelayFailures counts relay requests that surfaced an error to the client
	RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexrelay_relay_failures_total",
		Help: "Relay requests that failed, by reason.",
	}, []string{"reason"})

	// SessionAcquisitions counts upstream playback session acquisitions
	SessionAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexrelay_session_acquisitions_total",
		Help: "Upstream playback token acquisitions.",
	})

	// SessionRefreshes counts in-place token refreshes
	SessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexrelay_session_refreshes_total",
		Help: "In-place playback token refreshes.",
	})

	// SessionReleases counts session teardowns (explicit or by inactivity)
	SessionReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexrelay_session_releases_total",
		Help: "Playback session teardowns.",
	})

	// ActiveSessions tracks the current playback session count
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexrelay_active_sessions",
		Help: "Currently live playback sessions.",
	})

	// LineupRefreshes counts lineup sync attempts by outcome
	LineupRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexrelay_lineup_refreshes_total",
		Help: "Lineup refresh attempts by outcome.",
	}, []string{"outcome"})

	// LogoFetches counts logo cache fills by outcome
	LogoFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexrelay_logo_fetches_total",
		Help: "Logo cache upstream fetches by outcome.",
	}, []string{"outcome"})
)
