// Package epg holds the schedule data model (channels and programs)
// and the acquisition pass that builds it from broadcast metadata.
package epg

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ChannelType classifies the physical transport a channel rides on.
// Tuner capability and conflict capacity are both keyed by it.
type ChannelType string

const (
	TypeGR ChannelType = "GR" // terrestrial
	TypeBS ChannelType = "BS" // broadcast satellite
	TypeCS ChannelType = "CS" // communication satellite (cable-style multiplex, needs SID)
	TypeEX ChannelType = "EX" // other/external
)

// Channel is one tuning target. Immutable once loaded; programs share
// it by reference.
type Channel struct {
	Type    ChannelType `json:"type"`
	Channel string      `json:"channel"`
	SID     string      `json:"sid,omitempty"`
	ID      string      `json:"id,omitempty"`
	Name    string      `json:"name,omitempty"`
}

// Program is one schedulable unit of a schedule snapshot.
type Program struct {
	ID       string   `json:"id"`
	Channel  *Channel `json:"channel"`
	Category string   `json:"category,omitempty"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Seconds is the derived duration, kept in the stored form so
	// external tooling doesn't need to recompute it.
	Seconds int64    `json:"seconds"`
	Flags   []string `json:"flags"`
}

// ChannelSchedule is one channel's slice of the schedule snapshot.
type ChannelSchedule struct {
	Channel
	Programs []*Program `json:"programs"`
}

// Schedule is a full snapshot: channels in configuration order, each
// with its programs in broadcast order.
type Schedule []*ChannelSchedule

// ProgramID derives the stable program identity from the channel id and
// start time. It survives schedule rebuilds because both inputs do.
func ProgramID(channelID string, start time.Time) string {
	base := strings.ToLower(strings.ReplaceAll(channelID, "_", ""))
	return base + "-" + strconv.FormatInt(start.Unix(), 32)
}

var flagMarker = regexp.MustCompile(`【(.)】`)

// ExtractFlags pulls broadcaster markers like 【新】 out of a title.
func ExtractFlags(title string) []string {
	ms := flagMarker.FindAllStringSubmatch(title, -1)
	flags := make([]string, 0, len(ms))
	for _, m := range ms {
		flags = append(flags, m[1])
	}
	return flags
}

// NewProgram builds a Program with the derived fields filled in.
func NewProgram(ch *Channel, category, title, detail string, start, end time.Time) *Program {
	return &Program{
		ID:       ProgramID(ch.ID, start),
		Channel:  ch,
		Category: category,
		Title:    title,
		Detail:   detail,
		Start:    start,
		End:      end,
		Seconds:  int64(end.Sub(start) / time.Second),
		Flags:    ExtractFlags(title),
	}
}
