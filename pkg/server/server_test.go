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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/plex-relay/pkg/config"
)

var segmentBytes = []byte("FAKE-MPEGTS-SEGMENT-PAYLOAD")

// fakePlex stands in for the whole Plex backend: sign-in, lineup, guide and
// HLS delivery, with enough knobs to provoke the relay's failure handling.
type fakePlex struct {
	server *httptest.Server

	mu             sync.Mutex
	signIns        int
	gridCalls      int
	manifestCalls  int
	manifestTokens []string
	signedQueries  []string // queries seen on the signed segment endpoint
	rejectFirst    bool     // reject the first manifest request with 403
}

func newFakePlex() *fakePlex {
	f := &fakePlex{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v2/users/anonymous", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.signIns++
		n := f.signIns
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"authToken": "tok-%d"}`, n) // nolint: errcheck
	})

	mux.HandleFunc("/lineups/plex/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"MediaContainer": {"Channel": [
			{
				"id": "ch-a", "title": "Alpha", "number": "1.1", "genre": "News",
				"thumb": "`+f.server.URL+`/logos/a.png",
				"Media": [{"Part": [{"key": "/channel/a/master.m3u8"}]}],
				"Tag": [{"tag": "local"}]
			},
			{
				"id": "ch-b", "title": "Beta", "gridKey": "gn-b",
				"Media": [{"Part": [{"key": "/channel/b/master.m3u8"}]}],
				"Tag": [{"tag": "local"}, {"tag": "nyc"}]
			},
			{
				"id": "ch-c", "title": "Gamma",
				"Media": [{"Part": [{"key": "/channel/c/master.m3u8"}]}],
				"Tag": [{"tag": "nyc"}]
			}
		]}}`) // nolint: errcheck
	})

	mux.HandleFunc("/grid", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.gridCalls++
		f.mu.Unlock()

		var entries []string
		for _, channelID := range strings.Split(r.URL.Query().Get("channelId"), ",") {
			if channelID == "" || channelID == "ch-c" {
				// ch-c has no guide data; the document must still carry it
				continue
			}
			entries = append(entries, `{
				"channelID": "`+channelID+`",
				"title": "Show on `+channelID+`", "ratingKey": "prog-`+channelID+`",
				"beginsAt": 1700000000, "endsAt": 1700003600
			}`)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"MediaContainer": {"Metadata": [`+strings.Join(entries, ",")+`]}}`) // nolint: errcheck
	})

	mux.HandleFunc("/channel/a/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.manifestCalls++
		f.manifestTokens = append(f.manifestTokens, r.Header.Get("X-Plex-Token"))
		reject := f.rejectFirst && f.manifestCalls == 1
		f.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-VERSION:3\n"+
			"#EXTINF:6.000,\n"+
			"index.m3u8\n"+
			"#EXTINF:6.000,\n"+
			f.server.URL+"/channel/a/seg1.ts\n"+
			"#EXTINF:6.000,\n"+
			"https://cdn.example.com/live/seg2.ts\n"+
			"#EXTINF:6.000,\n"+
			"seg3.ts?token=abc&session=xyz\n") // nolint: errcheck
	})

	mux.HandleFunc("/channel/a/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(segmentBytes) // nolint: errcheck
	})

	// Signed segment: delivery depends on the query surviving the relay
	mux.HandleFunc("/channel/a/seg3.ts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.signedQueries = append(f.signedQueries, r.URL.RawQuery)
		f.mu.Unlock()
		if r.URL.Query().Get("token") != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(segmentBytes) // nolint: errcheck
	})

	mux.HandleFunc("/logos/a.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nlogo")) // nolint: errcheck
	})

	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakePlex) close() { f.server.Close() }

func (f *fakePlex) manifestTokenAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.manifestTokens) {
		return ""
	}
	return f.manifestTokens[i]
}

// newTestRelay builds a relay wired to the fake backend with a synced lineup
func newTestRelay(t *testing.T, fake *fakePlex) (*Config, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf := &config.RelayConfig{
		HostConfig:      &config.HostConfiguration{Hostname: "relay.local", Port: 8080},
		AdvertisedPort:  8080,
		PlexAuthBase:    fake.server.URL,
		PlexEPGBase:     fake.server.URL,
		PlexStreamBase:  fake.server.URL,
		ClientID:        "test-client",
		DefaultRegions:  []string{"local"},
		LineupRefresh:   time.Hour,
		GuideWindow:     6 * time.Hour,
		SessionTimeout:  time.Minute,
		TokenTTL:        time.Hour,
		UpstreamTimeout: 5 * time.Second,
	}

	c, err := NewServer(conf)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() {
		c.sessions.Close()
		c.lineup.Stop()
	})

	if err := c.lineup.Refresh(context.Background()); err != nil {
		t.Fatalf("lineup refresh against fake backend: %v", err)
	}

	router := gin.New()
	c.routes(router.Group("/"))
	return c, router
}

// doRequest runs one request through the relay's router
func doRequest(router *gin.Engine, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func dumpOnFailure(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if t.Failed() {
		raw, _ := httputil.DumpResponse(rec.Result(), true)
		t.Logf("response:\n%s", raw)
	}
}
