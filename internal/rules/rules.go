// Package rules implements the matching predicate that selects
// programs for automatic reservation.
package rules

import (
	"fmt"
	"regexp"
	"time"

	"tunerd/internal/epg"
)

// HourWindow is a time-of-day window. Both bounds must be present for
// the filter to apply; End < Start means the window wraps midnight.
type HourWindow struct {
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// DurationBounds is an inclusive bound on program length in seconds.
type DurationBounds struct {
	Min *int64 `json:"min,omitempty"`
	Max *int64 `json:"max,omitempty"`
}

// Rule is one reservation predicate. Every present filter must pass
// for the rule to match; absent filters pass vacuously.
type Rule struct {
	SID            string            `json:"sid,omitempty"`
	Types          []epg.ChannelType `json:"types,omitempty"`
	Channels       []string          `json:"channels,omitempty"`
	IgnoreChannels []string          `json:"ignore_channels,omitempty"`
	Category       string            `json:"category,omitempty"`
	Categories     []string          `json:"categories,omitempty"`
	Hour           *HourWindow       `json:"hour,omitempty"`
	Duration       *DurationBounds   `json:"duration,omitempty"`

	ReserveTitles       []string `json:"reserve_titles,omitempty"`
	IgnoreTitles        []string `json:"ignore_titles,omitempty"`
	ReserveDescriptions []string `json:"reserve_descriptions,omitempty"`
	IgnoreDescriptions  []string `json:"ignore_descriptions,omitempty"`
	ReserveFlags        []string `json:"reserve_flags,omitempty"`
	IgnoreFlags         []string `json:"ignore_flags,omitempty"`

	IsDisabled bool `json:"isDisabled,omitempty"`

	reserveTitles       []*regexp.Regexp
	ignoreTitles        []*regexp.Regexp
	reserveDescriptions []*regexp.Regexp
	ignoreDescriptions  []*regexp.Regexp
}

// Compile validates and caches the rule's pattern lists. Must be
// called once after decoding, before Matches.
func (r *Rule) Compile() error {
	var err error
	if r.reserveTitles, err = compileAll("reserve_titles", r.ReserveTitles); err != nil {
		return err
	}
	if r.ignoreTitles, err = compileAll("ignore_titles", r.IgnoreTitles); err != nil {
		return err
	}
	if r.reserveDescriptions, err = compileAll("reserve_descriptions", r.ReserveDescriptions); err != nil {
		return err
	}
	if r.ignoreDescriptions, err = compileAll("ignore_descriptions", r.IgnoreDescriptions); err != nil {
		return err
	}
	return nil
}

func compileAll(field string, patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %q: %w", field, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Matches reports whether any enabled rule fully matches the program.
func Matches(rules []*Rule, p *epg.Program) bool {
	for _, r := range rules {
		if !r.IsDisabled && r.Matches(p) {
			return true
		}
	}
	return false
}

// Matches evaluates the rule's full conjunction of present filters.
func (r *Rule) Matches(p *epg.Program) bool {
	ch := p.Channel

	if r.SID != "" && r.SID != ch.SID {
		return false
	}
	if len(r.Types) > 0 && !containsType(r.Types, ch.Type) {
		return false
	}
	// A channel list entry may name either the tuning id or the
	// display channel number.
	if len(r.Channels) > 0 && !contains(r.Channels, ch.Channel) && !contains(r.Channels, ch.ID) {
		return false
	}
	if contains(r.IgnoreChannels, ch.Channel) || contains(r.IgnoreChannels, ch.ID) {
		return false
	}
	if r.Category != "" && r.Category != p.Category {
		return false
	}
	if len(r.Categories) > 0 && !contains(r.Categories, p.Category) {
		return false
	}
	if r.Hour != nil && r.Hour.Start != nil && r.Hour.End != nil {
		if !hourWindowPasses(*r.Hour.Start, *r.Hour.End, p.Start, p.End) {
			return false
		}
	}
	if r.Duration != nil && r.Duration.Min != nil && r.Duration.Max != nil {
		if p.Seconds < *r.Duration.Min || p.Seconds > *r.Duration.Max {
			return false
		}
	}
	if matchesAny(r.ignoreTitles, p.Title) {
		return false
	}
	if len(r.reserveTitles) > 0 && !matchesAny(r.reserveTitles, p.Title) {
		return false
	}
	if matchesAny(r.ignoreDescriptions, p.Detail) {
		return false
	}
	if len(r.reserveDescriptions) > 0 && !matchesAny(r.reserveDescriptions, p.Detail) {
		return false
	}
	if intersects(r.IgnoreFlags, p.Flags) {
		return false
	}
	if len(r.ReserveFlags) > 0 && !intersects(r.ReserveFlags, p.Flags) {
		return false
	}
	return true
}

// hourWindowPasses compares the program's local hour-of-day span with
// the rule window. Minutes are discarded on both ends; a program that
// crosses midnight gets 24 added to its end hour. A rule window with
// end < start wraps midnight and rejects only programs strictly
// inside the widened window; a plain window rejects programs not
// fully inside it. The asymmetry is long-standing observed behavior
// that saved rules depend on.
func hourWindowPasses(ruleStart, ruleEnd float64, start, end time.Time) bool {
	progStart := float64(start.Local().Hour())
	progEnd := float64(end.Local().Hour())
	if progEnd < progStart {
		progEnd += 24
	}
	if ruleEnd < ruleStart {
		ruleEnd += 24
		return !(ruleStart < progStart && progEnd < ruleEnd)
	}
	return ruleStart <= progStart && progEnd <= ruleEnd
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []epg.ChannelType, t epg.ChannelType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
