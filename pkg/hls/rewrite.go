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

// Package hls rewrites HLS manifests so every referenced URL re-enters the
// relay instead of pointing at Plex. The transformation is pure text-in,
// text-out: no network I/O, which keeps it testable without a live backend.
package hls

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

// RewriteContext carries what one relay request needs to translate upstream
// URLs into router-local ones. It is scoped to a single manifest response.
type RewriteContext struct {
	// LocalPrefix is the router route for this channel, e.g. "/stream/ch42".
	// Rewritten URLs are LocalPrefix + "/" + fragment, so a client following
	// them lands back on the same channel (and therefore the same session key).
	LocalPrefix string

	// ManifestURL is the absolute upstream URL this manifest was fetched
	// from; relative references resolve against it.
	ManifestURL *url.URL

	// StreamBase is the Plex delivery base. References on the same host are
	// rewritten path-relative; anything else (CDN edges) is escaped whole.
	StreamBase *url.URL
}

// uriAttrRe matches URI="..." attributes in tags such as #EXT-X-KEY,
// #EXT-X-MAP and #EXT-X-MEDIA.
var uriAttrRe = regexp.MustCompile(`URI="([^"]*)"`)

// IsManifest reports whether an upstream response should be rewritten rather
// than relayed byte-for-byte.
func IsManifest(contentType, urlPath string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(ct) {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/x-mpegurl", "audio/mpegurl":
		return true
	}
	p := strings.ToLower(urlPath)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".m3u")
}

// Rewrite transforms a manifest line by line. Media lines and URI attributes
// are rewritten; ordering and every non-URL directive are preserved verbatim.
func (rc RewriteContext) Rewrite(manifest []byte) []byte {
	// Manifests are line-oriented; split keeps empty trailing entries so the
	// output ends exactly like the input.
	lines := strings.Split(string(manifest), "\n")
	out := make([]string, len(lines))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			out[i] = line
		case strings.HasPrefix(trimmed, "#"):
			out[i] = uriAttrRe.ReplaceAllStringFunc(line, func(attr string) string {
				m := uriAttrRe.FindStringSubmatch(attr)
				return `URI="` + rc.rewriteRef(m[1]) + `"`
			})
		default:
			out[i] = rc.rewriteRef(trimmed)
		}
	}
	return []byte(strings.Join(out, "\n"))
}

// rewriteRef translates one upstream reference into a router-local URL.
// Unparseable references are left untouched rather than corrupting the
// manifest.
func (rc RewriteContext) rewriteRef(ref string) string {
	if ref == "" {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}

	resolved := parsed
	if rc.ManifestURL != nil {
		resolved = rc.ManifestURL.ResolveReference(parsed)
	}
	if !resolved.IsAbs() {
		// No base to resolve against; treat the path as stream-base relative.
		return rc.LocalPrefix + "/" + strings.TrimPrefix(resolved.String(), "/")
	}

	if rc.sameOrigin(resolved) {
		local := rc.LocalPrefix + resolved.EscapedPath()
		if resolved.RawQuery != "" {
			local += "?" + resolved.RawQuery
		}
		return local
	}

	// Foreign host: escape the absolute URL so the router can still relay it.
	return rc.LocalPrefix + "/" + EscapeUpstream(resolved.String())
}

// sameOrigin reports whether a resolved URL is served from the stream base
func (rc RewriteContext) sameOrigin(u *url.URL) bool {
	if rc.StreamBase == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, rc.StreamBase.Scheme) &&
		strings.EqualFold(u.Host, rc.StreamBase.Host)
}

// EscapeUpstream encodes an absolute upstream URL into a path fragment the
// router recognizes. The inverse lives in the Plex client's ResolveFragment.
func EscapeUpstream(abs string) string {
	return "u/" + base64.RawURLEncoding.EncodeToString([]byte(abs))
}
