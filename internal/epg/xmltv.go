package epg

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// The external demultiplexer emits an xmltv-style document. Only the
// fields the converter needs are mapped.

type tvXML struct {
	XMLName    xml.Name       `xml:"tv"`
	Channels   []channelXML   `xml:"channel"`
	Programmes []programmeXML `xml:"programme"`
}

type channelXML struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	ServiceID   string `xml:"service_id"`
}

type programmeXML struct {
	Channel    string   `xml:"channel,attr"`
	Start      string   `xml:"start,attr"`
	Stop       string   `xml:"stop,attr"`
	Title      string   `xml:"title"`
	Desc       string   `xml:"desc"`
	Categories []string `xml:"category"`
}

// ParseXMLTV decodes a demultiplexer dump.
func ParseXMLTV(b []byte) (*tvXML, error) {
	var tv tvXML
	if err := xml.Unmarshal(b, &tv); err != nil {
		return nil, fmt.Errorf("parse xmltv: %w", err)
	}
	return &tv, nil
}

// parseXMLTVTime reads the leading "YYYYMMDDHHMMSS" of an xmltv
// timestamp in local time; the trailing offset is redundant for a
// single-region receiver.
func parseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < 14 {
		return time.Time{}, fmt.Errorf("xmltv time %q too short", s)
	}
	return time.ParseInLocation("20060102150405", s[:14], time.Local)
}

// convertPrograms maps the programme entries belonging to ch into
// Programs. Entries without a title are dropped, matching the source
// feed's habit of emitting placeholder rows.
func convertPrograms(tv *tvXML, ch *Channel) []*Program {
	programs := make([]*Program, 0, len(tv.Programmes))
	for _, p := range tv.Programmes {
		if p.Channel != ch.ID || strings.TrimSpace(p.Title) == "" {
			continue
		}
		start, err := parseXMLTVTime(p.Start)
		if err != nil {
			continue
		}
		end, err := parseXMLTVTime(p.Stop)
		if err != nil {
			continue
		}
		programs = append(programs, NewProgram(ch, pickCategory(p.Categories), p.Title, p.Desc, start, end))
	}
	return programs
}

// pickCategory prefers the localized genre (second entry) over the
// numeric genre code the demultiplexer puts first.
func pickCategory(cats []string) string {
	if len(cats) >= 2 {
		return cats[1]
	}
	if len(cats) == 1 {
		return cats[0]
	}
	return ""
}
