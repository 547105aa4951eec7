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

package lineup

import (
	"context"
	"sync"
	"time"

	"github.com/lucasduport/plex-relay/pkg/metrics"
	"github.com/lucasduport/plex-relay/pkg/types"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// Fetcher retrieves the channel lineup from Plex
type Fetcher interface {
	Lineup(ctx context.Context) ([]types.Channel, error)
}

// Cache holds the current lineup snapshot. Refreshes build a whole new
// snapshot and swap it in only on success, so readers always get a
// self-consistent view and a failed refresh leaves the last good one serving.
type Cache struct {
	fetcher  Fetcher
	interval time.Duration

	mu   sync.RWMutex
	snap *types.LineupSnapshot

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCache creates a lineup cache; call Run to start periodic refreshes
func NewCache(fetcher Fetcher, interval time.Duration) *Cache {
	return &Cache{
		fetcher:  fetcher,
		interval: interval,
		snap:     types.NewLineupSnapshot(nil, time.Time{}),
		stop:     make(chan struct{}),
	}
}

// Snapshot returns the last-known-good lineup. Never blocks on a refresh in
// progress; before the first successful refresh it returns an empty snapshot.
func (c *Cache) Snapshot() *types.LineupSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Refresh fetches the lineup and swaps in a new snapshot on success. On
// failure the previous snapshot stays authoritative and the error is
// returned for the caller to log.
func (c *Cache) Refresh(ctx context.Context) error {
	channels, err := c.fetcher.Lineup(ctx)
	if err != nil {
		metrics.LineupRefreshes.WithLabelValues("failure").Inc()
		return err
	}

	snap := types.NewLineupSnapshot(channels, time.Now())

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	metrics.LineupRefreshes.WithLabelValues("success").Inc()
	utils.InfoLog("Lineup refreshed: %d channels, %d regions", len(snap.Channels), len(snap.Regions))
	return nil
}

// Run refreshes immediately and then on the configured interval until Stop.
// Refresh failures are logged and retried on the next tick; stale data keeps
// serving in the meantime.
func (c *Cache) Run() {
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			utils.ErrorLog("Lineup refresh failed (serving previous snapshot): %v", err)
		}
	}

	refresh()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Stop ends the refresh loop
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
