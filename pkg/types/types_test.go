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
	"testing"
	"time"
)

func testSnapshot() *LineupSnapshot {
	return NewLineupSnapshot([]Channel{
		{ID: "a", Title: "Alpha", Regions: []string{"local"}},
		{ID: "b", Title: "Beta", Regions: []string{"local", "nyc"}, GridKey: "gn-b"},
		{ID: "c", Title: "Gamma", Regions: []string{"nyc"}},
		{ID: "d", Title: "Delta", Regions: []string{"la"}, GridKey: "gn-d"},
	}, time.Now())
}

func regionSet(names ...string) map[string]bool {
	set := make(map[string]bool)
	for _, n := range names {
		set[n] = true
	}
	return set
}

func channelIDs(channels []Channel) []string {
	ids := make([]string, len(channels))
	for i, ch := range channels {
		ids[i] = ch.ID
	}
	return ids
}

func TestFilterByRegion(t *testing.T) {
	snap := testSnapshot()

	tests := []struct {
		name    string
		regions map[string]bool
		want    []string
	}{
		{"single region", regionSet("nyc"), []string{"b", "c"}},
		{"other region", regionSet("local"), []string{"a", "b"}},
		{"unknown region", regionSet("chicago"), []string{}},
		{"empty set matches nothing", regionSet(), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := channelIDs(snap.Filter(tt.regions, GracenoteNone))
			if len(got) != len(tt.want) {
				t.Fatalf("Filter() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Filter() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

// Widening the region set never loses channels and never reorders survivors
func TestFilterWideningIsMonotonic(t *testing.T) {
	snap := testSnapshot()

	narrow := snap.Filter(regionSet("nyc"), GracenoteNone)
	wide := snap.Filter(regionSet("nyc", "la"), GracenoteNone)

	if len(wide) < len(narrow) {
		t.Fatalf("widening shrank the result: %d -> %d", len(narrow), len(wide))
	}

	pos := make(map[string]int, len(wide))
	for i, ch := range wide {
		pos[ch.ID] = i
	}
	last := -1
	for _, ch := range narrow {
		i, ok := pos[ch.ID]
		if !ok {
			t.Fatalf("channel %s lost when widening regions", ch.ID)
		}
		if i < last {
			t.Fatalf("channel %s reordered when widening regions", ch.ID)
		}
		last = i
	}
}

func TestFilterGracenote(t *testing.T) {
	snap := testSnapshot()
	all := regionSet("local", "nyc", "la")

	include := channelIDs(snap.Filter(all, GracenoteInclude))
	if len(include) != 2 || include[0] != "b" || include[1] != "d" {
		t.Errorf("include filter = %v, want [b d]", include)
	}

	exclude := channelIDs(snap.Filter(all, GracenoteExclude))
	if len(exclude) != 2 || exclude[0] != "a" || exclude[1] != "c" {
		t.Errorf("exclude filter = %v, want [a c]", exclude)
	}
}

func TestChannelByID(t *testing.T) {
	snap := testSnapshot()

	ch, ok := snap.ChannelByID("c")
	if !ok || ch.Title != "Gamma" {
		t.Errorf("ChannelByID(c) = %+v, %v", ch, ok)
	}
	if _, ok := snap.ChannelByID("nope"); ok {
		t.Error("ChannelByID(nope) found a channel")
	}
}

func TestSnapshotRegions(t *testing.T) {
	snap := testSnapshot()

	want := []string{"local", "nyc", "la"}
	if len(snap.Regions) != len(want) {
		t.Fatalf("Regions = %v, want %v", snap.Regions, want)
	}
	for i := range want {
		if snap.Regions[i] != want[i] {
			t.Fatalf("Regions = %v, want %v", snap.Regions, want)
		}
	}
}
