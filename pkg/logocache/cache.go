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

package logocache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lucasduport/plex-relay/pkg/metrics"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

// maxLogoBytes bounds a single cached image; anything larger is not a logo
const maxLogoBytes = 2 << 20

// Entry is one cached logo image
type Entry struct {
	Data        []byte
	ContentType string
	FetchedAt   time.Time
}

// Cache stores channel logos keyed by their upstream URL, populated lazily on
// first request. Entries live until process exit; the lineup sync hands out
// new keys when Plex changes a channel's artwork. Fetches for different logos
// run concurrently; only requests for the same key serialize.
type Cache struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]*logoSlot
}

type logoSlot struct {
	mu    sync.Mutex
	entry *Entry // nil until a fetch succeeds
}

// NewCache creates a logo cache with a bounded-timeout HTTP client
func NewCache(timeout time.Duration) *Cache {
	return &Cache{
		client:  &http.Client{Timeout: timeout},
		entries: make(map[string]*logoSlot),
	}
}

// Get returns the cached logo for a URL, fetching and storing it on miss.
// A failed fetch returns ErrNotFound and is not cached, so a later request
// can retry.
func (c *Cache) Get(ctx context.Context, logoURL string) (*Entry, error) {
	if logoURL == "" {
		return nil, utils.ErrNotFound
	}

	c.mu.Lock()
	slot, ok := c.entries[logoURL]
	if !ok {
		slot = &logoSlot{}
		c.entries[logoURL] = slot
	}
	c.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.entry != nil {
		return slot.entry, nil
	}

	entry, err := c.fetch(ctx, logoURL)
	if err != nil {
		metrics.LogoFetches.WithLabelValues("failure").Inc()
		utils.DebugLog("Logo fetch failed for %s: %v", logoURL, err)
		return nil, utils.ErrNotFound
	}

	metrics.LogoFetches.WithLabelValues("success").Inc()
	slot.entry = entry
	return entry, nil
}

// fetch downloads one logo image
func (c *Cache) fetch(ctx context.Context, logoURL string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", logoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("logo fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLogoBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) > maxLogoBytes {
		return nil, fmt.Errorf("logo size %d out of bounds", len(data))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Entry{
		Data:        data,
		ContentType: contentType,
		FetchedAt:   time.Now(),
	}, nil
}

// Len returns the number of cached logos
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
