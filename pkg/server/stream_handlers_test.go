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
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestStreamUnknownChannel(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	rec := doRequest(router, "/stream/nope/channel/nope/master.m3u8")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStreamManifestRewriting(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	c, router := newTestRelay(t, fake)

	rec := doRequest(router, "/stream/ch-a/channel/a/master.m3u8")
	defer dumpOnFailure(t, rec)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "mpegurl") {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")

	// Directives pass through untouched, references all re-enter the relay
	if lines[0] != "#EXTM3U" || lines[1] != "#EXT-X-VERSION:3" {
		t.Errorf("header lines damaged: %q %q", lines[0], lines[1])
	}
	if lines[3] != "/stream/ch-a/channel/a/index.m3u8" {
		t.Errorf("relative ref = %q", lines[3])
	}
	if lines[5] != "/stream/ch-a/channel/a/seg1.ts" {
		t.Errorf("same-origin absolute ref = %q", lines[5])
	}
	if !strings.HasPrefix(lines[7], "/stream/ch-a/u/") {
		t.Errorf("foreign ref = %q, want escaped under u/", lines[7])
	}
	if strings.Contains(body, fake.server.URL) {
		t.Errorf("upstream host leaked into manifest:\n%s", body)
	}

	// The escaped foreign ref must resolve back to exactly the upstream URL
	fragment := strings.TrimPrefix(lines[7], "/stream/ch-a/")
	resolved, err := c.plex.ResolveFragment(fragment)
	if err != nil {
		t.Fatalf("ResolveFragment(%q) error: %v", fragment, err)
	}
	if resolved != "https://cdn.example.com/live/seg2.ts" {
		t.Errorf("round trip = %q", resolved)
	}
}

// Following a rewritten same-origin URL must yield the original upstream bytes
func TestStreamSegmentRoundTrip(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	manifest := doRequest(router, "/stream/ch-a/channel/a/master.m3u8")
	if manifest.Code != http.StatusOK {
		t.Fatalf("manifest status = %d", manifest.Code)
	}

	var segURL string
	for _, line := range strings.Split(manifest.Body.String(), "\n") {
		if strings.HasSuffix(line, "/seg1.ts") {
			segURL = line
			break
		}
	}
	if segURL == "" {
		t.Fatal("rewritten manifest has no seg1.ts reference")
	}

	rec := doRequest(router, segURL)
	defer dumpOnFailure(t, rec)

	if rec.Code != http.StatusOK {
		t.Fatalf("segment status = %d, want 200", rec.Code)
	}
	if got, err := io.ReadAll(rec.Body); err != nil || !bytes.Equal(got, segmentBytes) {
		t.Errorf("segment bytes differ from upstream (err=%v)", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %q, want video/mp2t", ct)
	}
}

// A same-origin reference with a signed query must keep that query through
// rewrite and relay: the upstream request carries it byte for byte.
func TestStreamSignedQueryRoundTrip(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	manifest := doRequest(router, "/stream/ch-a/channel/a/master.m3u8")
	if manifest.Code != http.StatusOK {
		t.Fatalf("manifest status = %d", manifest.Code)
	}

	var signedURL string
	for _, line := range strings.Split(manifest.Body.String(), "\n") {
		if strings.Contains(line, "seg3.ts") {
			signedURL = line
			break
		}
	}
	if signedURL != "/stream/ch-a/channel/a/seg3.ts?token=abc&session=xyz" {
		t.Fatalf("rewritten signed ref = %q, want query preserved", signedURL)
	}

	rec := doRequest(router, signedURL)
	defer dumpOnFailure(t, rec)

	if rec.Code != http.StatusOK {
		t.Fatalf("signed segment status = %d, want 200", rec.Code)
	}
	if got, err := io.ReadAll(rec.Body); err != nil || !bytes.Equal(got, segmentBytes) {
		t.Errorf("signed segment bytes differ from upstream (err=%v)", err)
	}

	fake.mu.Lock()
	queries := append([]string(nil), fake.signedQueries...)
	fake.mu.Unlock()
	if len(queries) != 1 || queries[0] != "token=abc&session=xyz" {
		t.Errorf("upstream received queries %v, want exactly [token=abc&session=xyz]", queries)
	}
}

func TestStreamBareChannelServesMaster(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	_, router := newTestRelay(t, fake)

	rec := doRequest(router, "/stream/ch-a/")
	defer dumpOnFailure(t, rec)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "#EXTM3U") {
		t.Errorf("bare channel URL did not serve the master manifest")
	}
}

func TestStreamRetriesRejectedToken(t *testing.T) {
	fake := newFakePlex()
	fake.rejectFirst = true
	defer fake.close()
	_, router := newTestRelay(t, fake)

	rec := doRequest(router, "/stream/ch-a/channel/a/master.m3u8")
	defer dumpOnFailure(t, rec)

	// One forced reacquisition, then success
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", rec.Code)
	}

	fake.mu.Lock()
	calls := fake.manifestCalls
	fake.mu.Unlock()
	if calls != 2 {
		t.Errorf("manifest fetched %d times, want 2", calls)
	}

	first, second := fake.manifestTokenAt(0), fake.manifestTokenAt(1)
	if first == "" || second == "" {
		t.Fatalf("missing tokens on manifest requests: %q, %q", first, second)
	}
	if first == second {
		t.Errorf("retry reused the rejected token %q", first)
	}
}

func TestStreamSessionReusedAcrossRequests(t *testing.T) {
	fake := newFakePlex()
	defer fake.close()
	c, router := newTestRelay(t, fake)

	doRequest(router, "/stream/ch-a/channel/a/master.m3u8")
	doRequest(router, "/stream/ch-a/channel/a/seg1.ts")

	// Same channel and client: one playback session
	if got := c.sessions.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions() = %d, want 1", got)
	}

	fake.mu.Lock()
	signIns := fake.signIns
	fake.mu.Unlock()
	// One service sign-in for the lineup, one for the playback session
	if signIns != 2 {
		t.Errorf("sign-ins = %d, want 2", signIns)
	}
}
