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

package types

import (
	"time"
)

// Channel is one Plex Live TV channel. Channels are rebuilt on every lineup
// sync and never mutated in place; readers always see a full record.
type Channel struct {
	ID        string   // stable Plex channel id
	Slug      string   // URL-friendly name
	Title     string   // display name
	CallSign  string   // broadcast call sign, may be empty
	Number    string   // guide number, may be empty
	Group     string   // genre/category used as group-title
	LogoURL   string   // upstream logo image URL
	StreamKey string   // upstream path of the channel's master manifest
	GridKey   string   // Gracenote grid key; empty means not Gracenote-eligible
	Regions   []string // region tags this channel belongs to
}

// GracenoteEligible reports whether the channel carries a Gracenote grid key
func (c *Channel) GracenoteEligible() bool {
	return c.GridKey != ""
}

// InRegions reports whether the channel belongs to at least one of the given regions
func (c *Channel) InRegions(regions map[string]bool) bool {
	for _, r := range c.Regions {
		if regions[r] {
			return true
		}
	}
	return false
}

// GracenoteFilter selects channels by Gracenote eligibility
type GracenoteFilter string

const (
	GracenoteNone    GracenoteFilter = ""        // no filtering
	GracenoteInclude GracenoteFilter = "include" // only eligible channels
	GracenoteExclude GracenoteFilter = "exclude" // only ineligible channels
)

// LineupSnapshot is an immutable view of the channel lineup at one sync.
// The lineup cache swaps whole snapshots; a snapshot is never modified after
// construction, so it is safe for unsynchronized concurrent reads.
type LineupSnapshot struct {
	Channels  []Channel
	Regions   []string
	FetchedAt time.Time

	byID map[string]int
}

// NewLineupSnapshot builds a snapshot from a fetched channel list
func NewLineupSnapshot(channels []Channel, fetchedAt time.Time) *LineupSnapshot {
	s := &LineupSnapshot{
		Channels:  channels,
		FetchedAt: fetchedAt,
		byID:      make(map[string]int, len(channels)),
	}

	seen := make(map[string]bool)
	for i, ch := range channels {
		s.byID[ch.ID] = i
		for _, r := range ch.Regions {
			if !seen[r] {
				seen[r] = true
				s.Regions = append(s.Regions, r)
			}
		}
	}
	return s
}

// ChannelByID returns the channel with the given id, if present
func (s *LineupSnapshot) ChannelByID(id string) (*Channel, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.Channels[i], true
}

// Filter returns the channels matching the region set and Gracenote filter,
// preserving the snapshot's native ordering. An empty region set matches
// nothing; callers substitute their configured default beforehand.
func (s *LineupSnapshot) Filter(regions map[string]bool, gracenote GracenoteFilter) []Channel {
	if s == nil {
		return nil
	}
	out := make([]Channel, 0, len(s.Channels))
	for _, ch := range s.Channels {
		if !ch.InRegions(regions) {
			continue
		}
		switch gracenote {
		case GracenoteInclude:
			if !ch.GracenoteEligible() {
				continue
			}
		case GracenoteExclude:
			if ch.GracenoteEligible() {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}

// SessionKey identifies one playback negotiation with Plex: a channel being
// watched by one client.
type SessionKey struct {
	ChannelID string
	ClientID  string // client identity, typically the requester's IP
}

// Programme is one guide entry for a channel
type Programme struct {
	ChannelID   string
	Title       string
	SubTitle    string
	Description string
	Start       time.Time
	Stop        time.Time
	PlexID      string // Plex program identifier, used for TMS lookup
}
