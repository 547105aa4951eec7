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

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasduport/plex-relay/pkg/metrics"
	"github.com/lucasduport/plex-relay/pkg/types"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// TokenSource negotiates playback authorization with Plex
type TokenSource interface {
	// Anonymous acquires a playback token and its expiry
	Anonymous(ctx context.Context) (string, time.Time, error)
	// ReleaseSession tells Plex to reap an upstream session (best-effort)
	ReleaseSession(ctx context.Context, sessionID, token string) error
}

// Manager owns per-(channel, client) playback sessions: one live session per
// key, a token kept valid for the session's lifetime, and teardown on
// inactivity. Concurrent requests for the same key never trigger duplicate
// upstream acquisitions; they wait on the one in flight.
type Manager struct {
	source            TokenSource
	inactivityTimeout time.Duration
	refreshMargin     time.Duration
	cleanupInterval   time.Duration

	mu       sync.Mutex
	sessions map[types.SessionKey]*playbackSession

	stopOnce sync.Once
	stop     chan struct{}
}

// playbackSession is the per-key state. The map-level mutex only guards the
// session table; each session carries its own lock so unrelated channels
// never serialize on each other.
type playbackSession struct {
	key        types.SessionKey
	upstreamID string // X-Plex-Session-Identifier sent to Plex

	mu         sync.Mutex
	token      string
	expiry     time.Time
	lastActive time.Time
	acquiring  chan struct{} // non-nil while an acquisition is in flight
	acquireErr error
	refreshing bool
}

// NewManager creates a session manager and starts its inactivity reaper
func NewManager(source TokenSource, inactivityTimeout, refreshMargin time.Duration) *Manager {
	cleanup := inactivityTimeout / 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	if cleanup > time.Minute {
		cleanup = time.Minute
	}

	m := &Manager{
		source:            source,
		inactivityTimeout: inactivityTimeout,
		refreshMargin:     refreshMargin,
		cleanupInterval:   cleanup,
		sessions:          make(map[types.SessionKey]*playbackSession),
		stop:              make(chan struct{}),
	}

	go m.reapRoutine()
	return m
}

// Token returns a valid playback token and the upstream session identifier
// for the key, creating the session on first use. It may block while an
// acquisition or forced refresh for this key is in flight, but never starts a
// second concurrent acquisition for the same key.
func (m *Manager) Token(ctx context.Context, key types.SessionKey) (string, string, error) {
	for {
		s := m.getOrCreate(key)

		s.mu.Lock()
		now := time.Now()

		if s.token != "" && now.Before(s.expiry) {
			s.lastActive = now

			// Close to expiry: refresh in the background while this and
			// other in-flight requests keep using the still-valid token.
			if s.expiry.Sub(now) < m.refreshMargin && !s.refreshing && s.acquiring == nil {
				s.refreshing = true
				go m.refresh(s)
			}

			token := s.token
			s.mu.Unlock()
			return token, s.upstreamID, nil
		}

		if ch := s.acquiring; ch != nil {
			// Someone else is acquiring for this key; wait for their result.
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return "", "", ctx.Err()
			}

			s.mu.Lock()
			err := s.acquireErr
			s.mu.Unlock()
			if err != nil {
				return "", "", err
			}
			// Re-check from the top: the acquired token may itself already
			// be near expiry under pathological clocks.
			continue
		}

		// This request performs the acquisition; others wait on the channel.
		ch := make(chan struct{})
		s.acquiring = ch
		s.mu.Unlock()

		token, expiry, err := m.source.Anonymous(ctx)

		s.mu.Lock()
		s.acquiring = nil
		if err != nil {
			s.acquireErr = err
			s.token = ""
			s.mu.Unlock()
			close(ch)

			// Back to absent so a later request can retry cleanly
			m.remove(s)
			utils.ErrorLog("Session %s/%s: acquisition failed: %v", key.ChannelID, key.ClientID, err)
			return "", "", err
		}

		s.acquireErr = nil
		s.token = token
		s.expiry = expiry
		s.lastActive = time.Now()
		s.mu.Unlock()
		close(ch)

		metrics.SessionAcquisitions.Inc()
		utils.InfoLog("Session %s/%s: acquired token (upstream session %s)", key.ChannelID, key.ClientID, s.upstreamID)
		return token, s.upstreamID, nil
	}
}

// refresh replaces a near-expiry token in place. A failure keeps the old
// token, which is still valid; the next request will try again.
func (m *Manager) refresh(s *playbackSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, expiry, err := m.source.Anonymous(ctx)

	s.mu.Lock()
	s.refreshing = false
	if err != nil {
		s.mu.Unlock()
		utils.WarnLog("Session %s/%s: token refresh failed, keeping current token: %v",
			s.key.ChannelID, s.key.ClientID, err)
		return
	}
	s.token = token
	s.expiry = expiry
	s.mu.Unlock()

	metrics.SessionRefreshes.Inc()
	utils.DebugLog("Session %s/%s: token refreshed", s.key.ChannelID, s.key.ClientID)
}

// Invalidate drops the session's token if it still equals badToken, forcing
// the next Token call to acquire a fresh one. The router uses this after an
// upstream 401/403. Matching on the rejected token means a refresh that
// already happened is not thrown away.
func (m *Manager) Invalidate(key types.SessionKey, badToken string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.token == badToken {
		s.token = ""
		s.expiry = time.Time{}
	}
	s.mu.Unlock()
}

// Touch resets the inactivity clock for a session
func (m *Manager) Touch(key types.SessionKey) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Release tears down a session and asks Plex to reap its upstream counterpart
func (m *Manager) Release(key types.SessionKey) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	token := s.token
	s.token = ""
	s.mu.Unlock()

	metrics.SessionReleases.Inc()
	utils.InfoLog("Session %s/%s released (upstream session %s)", key.ChannelID, key.ClientID, s.upstreamID)

	if token == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.source.ReleaseSession(ctx, s.upstreamID, token); err != nil {
			utils.DebugLog("Upstream release for session %s failed: %v", s.upstreamID, err)
		}
	}()
}

// ActiveSessions returns the number of live sessions
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the reaper and releases every session
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	keys := make([]types.SessionKey, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Release(key)
	}
}

// getOrCreate returns the session for a key, creating it in the table first
func (m *Manager) getOrCreate(key types.SessionKey) *playbackSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &playbackSession{
		key:        key,
		upstreamID: uuid.New().String(),
		lastActive: time.Now(),
	}
	m.sessions[key] = s
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return s
}

// remove deletes a session from the table if it is still the registered one
func (m *Manager) remove(s *playbackSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.key]; ok && cur == s {
		delete(m.sessions, s.key)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
}

// reapRoutine periodically releases sessions idle beyond the timeout
func (m *Manager) reapRoutine() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		threshold := time.Now().Add(-m.inactivityTimeout)

		m.mu.Lock()
		var expired []types.SessionKey
		for key, s := range m.sessions {
			s.mu.Lock()
			idle := s.lastActive.Before(threshold) && s.acquiring == nil
			s.mu.Unlock()
			if idle {
				expired = append(expired, key)
			}
		}
		m.mu.Unlock()

		for _, key := range expired {
			utils.InfoLog("Session %s/%s idle for over %v, releasing", key.ChannelID, key.ClientID, m.inactivityTimeout)
			m.Release(key)
		}
	}
}
