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

// Package epg renders the lineup's schedule into an XMLTV document for IPTV
// guide clients, enriching programmes with TMS ids where the lookup table
// knows them.
package epg

import (
	"encoding/xml"
	"fmt"

	"github.com/lucasduport/plex-relay/pkg/types"
)

// xmltvTimeLayout is the timestamp format XMLTV consumers expect
const xmltvTimeLayout = "20060102150405 -0700"

// TV is the XMLTV document root
type TV struct {
	XMLName       xml.Name    `xml:"tv"`
	GeneratorName string      `xml:"generator-info-name,attr"`
	Channels      []Channel   `xml:"channel"`
	Programmes    []Programme `xml:"programme"`
}

// Channel is one XMLTV channel element
type Channel struct {
	ID           string        `xml:"id,attr"`
	DisplayNames []DisplayName `xml:"display-name"`
	Icon         *Icon         `xml:"icon,omitempty"`
}

// DisplayName is a channel display-name element
type DisplayName struct {
	Value string `xml:",chardata"`
}

// Icon is a channel icon element
type Icon struct {
	Src string `xml:"src,attr"`
}

// Programme is one XMLTV programme element
type Programme struct {
	Start       string       `xml:"start,attr"`
	Stop        string       `xml:"stop,attr"`
	Channel     string       `xml:"channel,attr"`
	Title       string       `xml:"title"`
	SubTitle    string       `xml:"sub-title,omitempty"`
	Description string       `xml:"desc,omitempty"`
	EpisodeNums []EpisodeNum `xml:"episode-num,omitempty"`
}

// EpisodeNum carries external programme identifiers; TMS ids use the
// dd_progid system that Gracenote-aware clients understand.
type EpisodeNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

// Builder renders XMLTV documents from lineup and guide data
type Builder struct {
	tms *TMSTable
}

// NewBuilder creates an EPG builder backed by the given TMS table
func NewBuilder(tms *TMSTable) *Builder {
	return &Builder{tms: tms}
}

// Build renders the given channels and programmes into an XMLTV document.
// Channels and programmes keep their input ordering; logo icons point at the
// relay's logo route under baseURL. A TMS lookup miss leaves the programme
// without an episode-num rather than failing the render.
func (b *Builder) Build(channels []types.Channel, programmes []types.Programme, baseURL string) ([]byte, error) {
	doc := TV{
		GeneratorName: "plex-relay",
		Channels:      make([]Channel, 0, len(channels)),
		Programmes:    make([]Programme, 0, len(programmes)),
	}

	known := make(map[string]bool, len(channels))
	for _, ch := range channels {
		known[ch.ID] = true

		names := []DisplayName{{Value: ch.Title}}
		if ch.CallSign != "" && ch.CallSign != ch.Title {
			names = append(names, DisplayName{Value: ch.CallSign})
		}
		if ch.Number != "" {
			names = append(names, DisplayName{Value: ch.Number})
		}

		xc := Channel{ID: ch.ID, DisplayNames: names}
		if ch.LogoURL != "" {
			xc.Icon = &Icon{Src: fmt.Sprintf("%s/logo/%s", baseURL, ch.ID)}
		}
		doc.Channels = append(doc.Channels, xc)
	}

	for _, p := range programmes {
		if !known[p.ChannelID] {
			continue
		}

		xp := Programme{
			Start:       p.Start.Format(xmltvTimeLayout),
			Stop:        p.Stop.Format(xmltvTimeLayout),
			Channel:     p.ChannelID,
			Title:       p.Title,
			SubTitle:    p.SubTitle,
			Description: p.Description,
		}

		if b.tms != nil && p.PlexID != "" {
			if tmsID, ok := b.tms.Lookup(p.PlexID); ok {
				xp.EpisodeNums = append(xp.EpisodeNums, EpisodeNum{System: "dd_progid", Value: tmsID})
			}
		}

		doc.Programmes = append(doc.Programmes, xp)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, []byte(xml.Header)...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}
