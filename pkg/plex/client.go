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

package plex

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/time/rate"

	"github.com/lucasduport/plex-relay/pkg/config"
	"github.com/lucasduport/plex-relay/pkg/types"
	"github.com/lucasduport/plex-relay/pkg/utils"
)

const relayProduct = "plex-relay"
const relayVersion = "1.0"

// Client talks to the Plex Live TV backend: anonymous sign-in, lineup and
// guide metadata, and token-authorized manifest/segment delivery.
//
// Plex rate-limits aggressive API consumers, so all metadata and session
// calls go through a shared limiter. Segment relaying is exempt: stalling a
// live stream to satisfy the limiter would only make clients re-request
// harder.
type Client struct {
	AuthBase   string
	EPGBase    string
	StreamBase string
	ClientID   string
	Token      config.CredentialString // optional pre-configured account token
	TokenTTL   time.Duration

	client  *http.Client
	stream  *http.Client
	limiter *rate.Limiter

	// service token used for lineup/guide calls, refreshed lazily
	mu            sync.Mutex
	serviceToken  string
	serviceExpiry time.Time
}

// New creates a Plex client from the relay configuration
func New(conf *config.RelayConfig) (*Client, error) {
	for _, base := range []string{conf.PlexAuthBase, conf.PlexEPGBase, conf.PlexStreamBase} {
		if _, err := url.Parse(base); err != nil {
			return nil, utils.PrintErrorAndReturn(fmt.Errorf("invalid Plex base URL %q: %w", base, err))
		}
	}

	return &Client{
		AuthBase:   strings.TrimRight(conf.PlexAuthBase, "/"),
		EPGBase:    strings.TrimRight(conf.PlexEPGBase, "/"),
		StreamBase: strings.TrimRight(conf.PlexStreamBase, "/"),
		ClientID:   conf.ClientID,
		Token:      conf.PlexToken,
		TokenTTL:   conf.TokenTTL,
		client: &http.Client{
			Timeout: conf.UpstreamTimeout,
		},
		// The streaming client must not cut long-lived segment downloads:
		// bound only the time to first response header.
		stream: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: conf.UpstreamTimeout,
				ForceAttemptHTTP2:     false,
				DisableCompression:    true,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

// setIdentityHeaders attaches the headers Plex uses to identify a device
func (c *Client) setIdentityHeaders(req *http.Request) {
	req.Header.Set("X-Plex-Product", relayProduct)
	req.Header.Set("X-Plex-Version", relayVersion)
	req.Header.Set("X-Plex-Client-Identifier", c.ClientID)
	req.Header.Set("X-Plex-Device", "plex-relay")
	req.Header.Set("X-Plex-Provides", "player")
	req.Header.Set("Accept", "application/json")
}

// Anonymous acquires a fresh playback token. When an account token is
// configured it is reused as-is; otherwise Plex's anonymous sign-in endpoint
// issues one. The returned expiry is computed from the configured TTL since
// Plex does not advertise one.
func (c *Client) Anonymous(ctx context.Context) (string, time.Time, error) {
	expiry := time.Now().Add(c.TokenTTL)

	if c.Token != "" {
		return c.Token.String(), expiry, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.AuthBase+"/api/v2/users/anonymous", nil)
	if err != nil {
		return "", time.Time{}, utils.PrintErrorAndReturn(err)
	}
	c.setIdentityHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", utils.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("%w: anonymous sign-in returned %d", utils.ErrSessionAcquisition, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, utils.PrintErrorAndReturn(err)
	}

	token, err := jsonparser.GetString(body, "authToken")
	if err != nil || token == "" {
		return "", time.Time{}, fmt.Errorf("%w: no authToken in sign-in response", utils.ErrSessionAcquisition)
	}

	utils.DebugLog("Acquired anonymous Plex token (expires %v)", expiry.Format(time.RFC3339))
	return token, expiry, nil
}

// serviceTokenLocked returns a token for metadata calls, signing in anonymously
// when the cached one is missing or expired.
func (c *Client) getServiceToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.serviceToken != "" && time.Now().Before(c.serviceExpiry) {
		return c.serviceToken, nil
	}

	token, expiry, err := c.Anonymous(ctx)
	if err != nil {
		return "", err
	}
	c.serviceToken = token
	c.serviceExpiry = expiry.Add(-5 * time.Minute)
	return token, nil
}

// Lineup fetches the current channel lineup from Plex
func (c *Client) Lineup(ctx context.Context) ([]types.Channel, error) {
	token, err := c.getServiceToken(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.EPGBase+"/lineups/plex/channels", nil)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}
	c.setIdentityHeaders(req)
	req.Header.Set("X-Plex-Token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: lineup returned %d", utils.ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}

	return parseLineup(body)
}

// parseLineup extracts channels from Plex's lineup JSON
func parseLineup(body []byte) ([]types.Channel, error) {
	var channels []types.Channel
	var parseErr error

	_, err := jsonparser.ArrayEach(body, func(value []byte, dataType jsonparser.ValueType, offset int, _ error) {
		ch := types.Channel{}
		ch.ID, _ = jsonparser.GetString(value, "id")
		ch.Slug, _ = jsonparser.GetString(value, "slug")
		ch.Title, _ = jsonparser.GetString(value, "title")
		ch.CallSign, _ = jsonparser.GetString(value, "callSign")
		ch.Number, _ = jsonparser.GetString(value, "number")
		ch.Group, _ = jsonparser.GetString(value, "genre")
		ch.LogoURL, _ = jsonparser.GetString(value, "thumb")
		ch.GridKey, _ = jsonparser.GetString(value, "gridKey")

		// The master manifest path lives in the first media part
		_, _ = jsonparser.ArrayEach(value, func(media []byte, _ jsonparser.ValueType, _ int, _ error) {
			if ch.StreamKey != "" {
				return
			}
			_, _ = jsonparser.ArrayEach(media, func(part []byte, _ jsonparser.ValueType, _ int, _ error) {
				if ch.StreamKey != "" {
					return
				}
				if key, err := jsonparser.GetString(part, "key"); err == nil {
					ch.StreamKey = strings.TrimPrefix(key, "/")
				}
			}, "Part")
		}, "Media")

		// Region membership comes as a tag list
		_, _ = jsonparser.ArrayEach(value, func(tag []byte, _ jsonparser.ValueType, _ int, _ error) {
			if t, err := jsonparser.GetString(tag, "tag"); err == nil && t != "" {
				ch.Regions = append(ch.Regions, t)
			}
		}, "Tag")

		if ch.ID == "" || ch.StreamKey == "" {
			utils.DebugLog("Skipping lineup entry without id or stream key (title=%q)", ch.Title)
			return
		}
		channels = append(channels, ch)
	}, "MediaContainer", "Channel")

	if err != nil {
		parseErr = fmt.Errorf("parse lineup: %w", err)
	}
	if parseErr != nil && len(channels) == 0 {
		return nil, utils.PrintErrorAndReturn(parseErr)
	}
	return channels, nil
}

// Grid fetches guide entries for a batch of channels over the given window.
// One call covers the whole lineup slice, keeping guide renders to a single
// round trip against the rate-limited backend.
func (c *Client) Grid(ctx context.Context, channelIDs []string, from, to time.Time) ([]types.Programme, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}

	token, err := c.getServiceToken(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/grid?channelId=%s&beginsAt%%3C=%d&endsAt%%3E=%d",
		c.EPGBase, url.QueryEscape(strings.Join(channelIDs, ",")), to.Unix(), from.Unix())

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}
	c.setIdentityHeaders(req)
	req.Header.Set("X-Plex-Token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: grid returned %d", utils.ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}

	return parseGrid(body), nil
}

// parseGrid extracts programmes from Plex's guide JSON. Each entry names the
// channel it belongs to; entries without one cannot be placed and are dropped.
func parseGrid(body []byte) []types.Programme {
	var programmes []types.Programme

	_, _ = jsonparser.ArrayEach(body, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		p := types.Programme{}
		p.ChannelID, _ = jsonparser.GetString(value, "channelID")
		p.Title, _ = jsonparser.GetString(value, "title")
		p.SubTitle, _ = jsonparser.GetString(value, "grandparentTitle")
		p.Description, _ = jsonparser.GetString(value, "summary")
		p.PlexID, _ = jsonparser.GetString(value, "ratingKey")

		if begins, err := jsonparser.GetInt(value, "beginsAt"); err == nil {
			p.Start = time.Unix(begins, 0).UTC()
		}
		if ends, err := jsonparser.GetInt(value, "endsAt"); err == nil {
			p.Stop = time.Unix(ends, 0).UTC()
		}

		if p.ChannelID == "" || p.Title == "" || p.Start.IsZero() || p.Stop.IsZero() {
			return
		}
		programmes = append(programmes, p)
	}, "MediaContainer", "Metadata")

	return programmes
}

// Fetch performs a token-authorized GET of a manifest or segment fragment.
// The fragment is either a path under StreamBase or an escaped absolute URL
// produced by the manifest rewriter. The caller owns the response body.
func (c *Client) Fetch(ctx context.Context, fragment, token, sessionID string) (*http.Response, error) {
	target, err := c.ResolveFragment(fragment)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}
	c.setIdentityHeaders(req)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("X-Plex-Token", token)
	req.Header.Set("X-Plex-Session-Identifier", sessionID)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

// ResolveFragment converts a router path fragment back into the upstream URL
// it denotes. Fragments under "u/" carry a base64url-escaped absolute URL for
// resources hosted off the stream base (CDN edges); everything else is a path
// relative to StreamBase.
func (c *Client) ResolveFragment(fragment string) (string, error) {
	fragment = strings.TrimPrefix(fragment, "/")
	if encoded, ok := strings.CutPrefix(fragment, "u/"); ok {
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("bad escaped upstream URL: %w", err)
		}
		u, err := url.Parse(string(raw))
		if err != nil || !u.IsAbs() {
			return "", fmt.Errorf("bad escaped upstream URL %q", string(raw))
		}
		return u.String(), nil
	}
	return c.StreamBase + "/" + fragment, nil
}

// ReleaseSession tells Plex to reap an upstream playback session. Best-effort:
// Plex also expires sessions on its own, so failures are only logged.
func (c *Client) ReleaseSession(ctx context.Context, sessionID, token string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", c.EPGBase+"/live/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return utils.PrintErrorAndReturn(err)
	}
	c.setIdentityHeaders(req)
	req.Header.Set("X-Plex-Token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("release session %s: upstream returned %d", sessionID, resp.StatusCode)
	}
	return nil
}
