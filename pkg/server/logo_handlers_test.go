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
	"strings"
	"testing"
)

func TestGetLogo(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	c, router := newTestRelay(t, fake)

	rec := doRequest(router, "/logo/ch-a")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if c.logos.Len() != 1 {
		t.Errorf("logo cache Len() = %d, want 1", c.logos.Len())
	}

	// Second request is served from cache; still the same bytes
	again := doRequest(router, "/logo/ch-a")
	if again.Body.String() != rec.Body.String() {
		t.Error("cached logo differs from first response")
	}
}

func TestGetLogoUnknownChannel(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	if rec := doRequest(router, "/logo/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	// ch-b exists but carries no logo
	if rec := doRequest(router, "/logo/ch-b"); rec.Code != http.StatusNotFound {
		t.Errorf("status for channel without logo = %d, want 404", rec.Code)
	}
}

func TestGetIndex(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	rec := doRequest(router, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"http://relay.local:8080/playlist.m3u",
		"http://relay.local:8080/epg.xml",
		"3 channels",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("status page missing %q:\n%s", want, body)
		}
	}
}
