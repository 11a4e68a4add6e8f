package rules

import (
	"testing"
	"time"

	"tunerd/internal/epg"
)

func prog(t *testing.T, ch *epg.Channel, category, title, detail string, start string, minutes int) *epg.Program {
	t.Helper()
	st, err := time.ParseInLocation("2006-01-02 15:04", start, time.Local)
	if err != nil {
		t.Fatalf("parse start: %v", err)
	}
	return epg.NewProgram(ch, category, title, detail, st, st.Add(time.Duration(minutes)*time.Minute))
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func compiled(t *testing.T, r *Rule) *Rule {
	t.Helper()
	if err := r.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return r
}

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	gr := &epg.Channel{Type: epg.TypeGR, Channel: "27", ID: "GR_27", SID: "1024", Name: "NHK"}
	bs := &epg.Channel{Type: epg.TypeBS, Channel: "101", ID: "BS_101", SID: "101"}

	tests := []struct {
		name string
		rule *Rule
		prog *epg.Program
		want bool
	}{
		{
			name: "empty rule matches everything",
			rule: &Rule{},
			prog: prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30),
			want: true,
		},
		{
			name: "sid mismatch",
			rule: &Rule{SID: "2048"},
			prog: prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30),
			want: false,
		},
		{
			name: "type allow list",
			rule: &Rule{Types: []epg.ChannelType{epg.TypeBS, epg.TypeCS}},
			prog: prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30),
			want: false,
		},
		{
			name: "channel list matches display number",
			rule: &Rule{Channels: []string{"27"}},
			prog: prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30),
			want: true,
		},
		{
			name: "channel list matches tuning id",
			rule: &Rule{Channels: []string{"GR_27"}},
			prog: prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30),
			want: true,
		},
		{
			name: "ignore channel by id",
			rule: &Rule{IgnoreChannels: []string{"GR_27"}},
			prog: prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30),
			want: false,
		},
		{
			name: "category scalar",
			rule: &Rule{Category: "anime"},
			prog: prog(t, gr, "news", "A", "", "2026-08-29 20:00", 30),
			want: false,
		},
		{
			name: "categories allow list",
			rule: &Rule{Categories: []string{"anime", "movie"}},
			prog: prog(t, bs, "movie", "A", "", "2026-08-29 20:00", 120),
			want: true,
		},
		{
			name: "hour window inside",
			rule: &Rule{Hour: &HourWindow{Start: f64(19), End: f64(23)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 20:00", 60),
			want: true,
		},
		{
			name: "hour window program runs past end",
			rule: &Rule{Hour: &HourWindow{Start: f64(19), End: f64(20)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 19:30", 90),
			want: false,
		},
		{
			name: "hour window minutes past end are discarded",
			rule: &Rule{Hour: &HourWindow{Start: f64(19), End: f64(20)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 19:00", 90),
			want: true,
		},
		{
			name: "hour window only start present is ignored",
			rule: &Rule{Hour: &HourWindow{Start: f64(19)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 03:00", 30),
			want: true,
		},
		{
			name: "inverted hour window rejects nested overnight program",
			rule: &Rule{Hour: &HourWindow{Start: f64(22), End: f64(5)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 23:30", 60),
			want: false,
		},
		{
			name: "inverted hour window keeps program starting in the boundary hour",
			rule: &Rule{Hour: &HourWindow{Start: f64(23), End: f64(5)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 23:30", 60),
			want: true,
		},
		{
			name: "inverted hour window keeps program starting on the boundary",
			rule: &Rule{Hour: &HourWindow{Start: f64(23), End: f64(5)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 23:00", 60),
			want: true,
		},
		{
			name: "inverted hour window keeps daytime program",
			rule: &Rule{Hour: &HourWindow{Start: f64(23), End: f64(5)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 13:00", 60),
			want: true,
		},
		{
			name: "duration below minimum",
			rule: &Rule{Duration: &DurationBounds{Min: i64(1200), Max: i64(3600)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 20:00", 10),
			want: false,
		},
		{
			name: "duration above maximum",
			rule: &Rule{Duration: &DurationBounds{Min: i64(1200), Max: i64(3600)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 20:00", 120),
			want: false,
		},
		{
			name: "duration inside bounds",
			rule: &Rule{Duration: &DurationBounds{Min: i64(1200), Max: i64(3600)}},
			prog: prog(t, gr, "", "A", "", "2026-08-29 20:00", 30),
			want: true,
		},
		{
			name: "reserve title pattern hit",
			rule: &Rule{ReserveTitles: []string{"ニュース", "^天気"}},
			prog: prog(t, gr, "", "夜のニュース7", "", "2026-08-29 19:00", 30),
			want: true,
		},
		{
			name: "reserve title pattern miss",
			rule: &Rule{ReserveTitles: []string{"^天気"}},
			prog: prog(t, gr, "", "夜のニュース7", "", "2026-08-29 19:00", 30),
			want: false,
		},
		{
			name: "ignore title beats reserve title",
			rule: &Rule{ReserveTitles: []string{"ニュース"}, IgnoreTitles: []string{"再放送"}},
			prog: prog(t, gr, "", "ニュース(再放送)", "", "2026-08-29 19:00", 30),
			want: false,
		},
		{
			name: "reserve description",
			rule: &Rule{ReserveDescriptions: []string{"声優"}},
			prog: prog(t, gr, "", "A", "人気声優が出演", "2026-08-29 19:00", 30),
			want: true,
		},
		{
			name: "reserve flag intersection",
			rule: &Rule{ReserveFlags: []string{"新"}},
			prog: prog(t, gr, "anime", "【新】はじまり", "", "2026-08-30 00:30", 30),
			want: true,
		},
		{
			name: "ignore flag intersection",
			rule: &Rule{IgnoreFlags: []string{"再"}},
			prog: prog(t, gr, "anime", "【再】おわり", "", "2026-08-30 01:00", 30),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := compiled(t, tt.rule).Matches(tt.prog); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesAnyRule(t *testing.T) {
	t.Parallel()

	gr := &epg.Channel{Type: epg.TypeGR, Channel: "27", ID: "GR_27"}
	p := prog(t, gr, "anime", "A", "", "2026-08-29 20:00", 30)

	disabled := compiled(t, &Rule{IsDisabled: true})
	miss := compiled(t, &Rule{Category: "news"})
	hit := compiled(t, &Rule{Category: "anime"})

	if Matches(nil, p) {
		t.Error("no rules should match nothing")
	}
	if Matches([]*Rule{disabled}, p) {
		t.Error("disabled rule must be skipped")
	}
	if !Matches([]*Rule{miss, hit}, p) {
		t.Error("any enabled matching rule should win")
	}
}

func TestParseRejectsBadPattern(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`[{"reserve_titles":["("]}]`)); err == nil {
		t.Fatal("expected compile error for invalid pattern")
	}
	list, err := Parse([]byte(`[{"types":["GR"],"hour":{"start":23,"end":5}}]`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d rules, want 1", len(list))
	}
}
