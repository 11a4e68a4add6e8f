package epg

import (
	"reflect"
	"strconv"
	"testing"
	"time"
)

func TestProgramID(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 29, 21, 0, 0, 0, time.Local)
	got := ProgramID("GR_27", start)
	want := "gr27-" + strconv.FormatInt(start.Unix(), 32)
	if got != want {
		t.Errorf("ProgramID() = %q, want %q", got, want)
	}

	// Identity must be stable across rebuilds: same inputs, same id.
	if again := ProgramID("GR_27", start); again != got {
		t.Errorf("ProgramID() not stable: %q vs %q", again, got)
	}
}

func TestExtractFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		want  []string
	}{
		{"【新】【字】ドラマスペシャル", []string{"新", "字"}},
		{"ニュース【再】", []string{"再"}},
		{"ニュース7", []string{}},
		{"【新新】まとめ", []string{}},
	}
	for _, tt := range tests {
		if got := ExtractFlags(tt.title); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ExtractFlags(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}

func TestNewProgram(t *testing.T) {
	t.Parallel()

	ch := &Channel{Type: TypeGR, Channel: "27", ID: "GR_27", Name: "NHK"}
	start := time.Date(2026, 8, 29, 21, 0, 0, 0, time.Local)
	end := start.Add(30 * time.Minute)

	p := NewProgram(ch, "ドラマ", "【新】夜のドラマ", "詳細", start, end)
	if p.ID != ProgramID("GR_27", start) {
		t.Errorf("id = %q", p.ID)
	}
	if p.Seconds != 1800 {
		t.Errorf("seconds = %d, want 1800", p.Seconds)
	}
	if !reflect.DeepEqual(p.Flags, []string{"新"}) {
		t.Errorf("flags = %v", p.Flags)
	}
	if p.Channel != ch {
		t.Error("program should share the channel by reference")
	}
}

func TestParseXMLTVTime(t *testing.T) {
	t.Parallel()

	got, err := parseXMLTVTime("20260829213000 +0900")
	if err != nil {
		t.Fatalf("parseXMLTVTime() error = %v", err)
	}
	want := time.Date(2026, 8, 29, 21, 30, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("parseXMLTVTime() = %v, want %v", got, want)
	}

	if _, err := parseXMLTVTime("2026"); err == nil {
		t.Error("short timestamp should fail")
	}
}

const sampleXMLTV = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="demux">
  <channel id="GR_27">
    <display-name lang="ja_JP">NHK総合</display-name>
    <service_id>1024</service_id>
  </channel>
  <channel id="GR_26">
    <display-name lang="ja_JP">NHKEテレ</display-name>
    <service_id>1032</service_id>
  </channel>
  <programme start="20260829210000 +0900" stop="20260829213000 +0900" channel="GR_27">
    <title lang="ja_JP">ニュースウオッチ</title>
    <desc lang="ja_JP">今日のニュース</desc>
    <category lang="ja_JP">0</category>
    <category lang="ja_JP">ニュース</category>
  </programme>
  <programme start="20260829213000 +0900" stop="20260829220000 +0900" channel="GR_27">
    <title lang="ja_JP"></title>
  </programme>
  <programme start="20260829210000 +0900" stop="20260829220000 +0900" channel="GR_26">
    <title lang="ja_JP">趣味の時間</title>
    <category lang="ja_JP">趣味</category>
  </programme>
</tv>`

func TestParseAndConvertPrograms(t *testing.T) {
	t.Parallel()

	tv, err := ParseXMLTV([]byte(sampleXMLTV))
	if err != nil {
		t.Fatalf("ParseXMLTV() error = %v", err)
	}
	if len(tv.Channels) != 2 || len(tv.Programmes) != 3 {
		t.Fatalf("parsed %d channels, %d programmes", len(tv.Channels), len(tv.Programmes))
	}

	ch := &Channel{Type: TypeGR, Channel: "27", ID: "GR_27", Name: "NHK総合"}
	programs := convertPrograms(tv, ch)
	if len(programs) != 1 {
		t.Fatalf("convertPrograms() returned %d, want 1 (titleless row dropped)", len(programs))
	}
	p := programs[0]
	if p.Title != "ニュースウオッチ" || p.Detail != "今日のニュース" {
		t.Errorf("program = %+v", p)
	}
	if p.Category != "ニュース" {
		t.Errorf("category = %q, want the localized entry", p.Category)
	}
	if p.Seconds != 1800 {
		t.Errorf("seconds = %d", p.Seconds)
	}
}

func TestPickCategory(t *testing.T) {
	t.Parallel()

	if got := pickCategory([]string{"0", "ニュース"}); got != "ニュース" {
		t.Errorf("two entries: got %q", got)
	}
	if got := pickCategory([]string{"アニメ"}); got != "アニメ" {
		t.Errorf("one entry: got %q", got)
	}
	if got := pickCategory(nil); got != "" {
		t.Errorf("no entries: got %q", got)
	}
}

func TestStripDescramble(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"recpt1 --b25 --strip 27 - -", "recpt1 27 - -"},
		{"recpt1 --b25 --strip --sid 228,epg CS8 - -", "recpt1 CS8 - -"},
		{"recpt1 27 - -", "recpt1 27 - -"},
	}
	for _, tt := range tests {
		if got := stripDescramble(tt.in); got != tt.want {
			t.Errorf("stripDescramble(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScheduleHasChannel(t *testing.T) {
	t.Parallel()

	s := Schedule{
		{Channel: Channel{Type: TypeGR, Channel: "27"}},
		{Channel: Channel{Type: TypeBS, Channel: "101"}},
		{Channel: Channel{Type: TypeCS, Channel: "CS8", SID: "228"}},
	}

	tests := []struct {
		name string
		ch   *Channel
		want bool
	}{
		{"gr present", &Channel{Type: TypeGR, Channel: "27"}, true},
		{"gr absent", &Channel{Type: TypeGR, Channel: "26"}, false},
		{"bs present", &Channel{Type: TypeBS, Channel: "101"}, true},
		{"cs same channel same sid", &Channel{Type: TypeCS, Channel: "CS8", SID: "228"}, true},
		{"cs same channel other sid", &Channel{Type: TypeCS, Channel: "CS8", SID: "229"}, false},
		{"ex never cached", &Channel{Type: TypeEX, Channel: "hdmi1"}, false},
	}
	for _, tt := range tests {
		if got := scheduleHasChannel(s, tt.ch); got != tt.want {
			t.Errorf("%s: scheduleHasChannel() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

const satelliteXMLTV = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="BS_101">
    <display-name>BS放送一</display-name>
    <service_id>101</service_id>
  </channel>
  <channel id="BS_103">
    <display-name>BS放送二</display-name>
    <service_id>103</service_id>
  </channel>
  <programme start="20260829210000 +0900" stop="20260829220000 +0900" channel="BS_101">
    <title>映画劇場</title>
  </programme>
</tv>`

func TestConvertChannels(t *testing.T) {
	t.Parallel()

	t.Run("terrestrial keeps every dump channel", func(t *testing.T) {
		t.Parallel()
		tv, err := ParseXMLTV([]byte(sampleXMLTV))
		if err != nil {
			t.Fatal(err)
		}
		sampled := &Channel{Type: TypeGR, Channel: "27"}
		out := convertChannels(tv, sampled, []*Channel{sampled})
		if len(out) != 2 {
			t.Fatalf("got %d entries, want 2", len(out))
		}
		if out[0].Channel.Channel != "27" || out[0].ID != "GR_27" || out[0].SID != "1024" {
			t.Errorf("entry = %+v", out[0].Channel)
		}
		if len(out[0].Programs) != 1 || len(out[1].Programs) != 1 {
			t.Errorf("programs = %d/%d", len(out[0].Programs), len(out[1].Programs))
		}
	})

	t.Run("satellite filtered to configured services", func(t *testing.T) {
		t.Parallel()
		tv, err := ParseXMLTV([]byte(satelliteXMLTV))
		if err != nil {
			t.Fatal(err)
		}
		sampled := &Channel{Type: TypeBS, Channel: "101"}
		out := convertChannels(tv, sampled, []*Channel{sampled})
		if len(out) != 1 {
			t.Fatalf("got %d entries, want the one configured service", len(out))
		}
		e := out[0]
		if e.Type != TypeBS || e.Channel.Channel != "101" || e.Name != "BS放送一" {
			t.Errorf("entry = %+v", e.Channel)
		}
		if len(e.Programs) != 1 || e.Programs[0].Title != "映画劇場" {
			t.Errorf("programs = %+v", e.Programs)
		}
	})

	t.Run("multiplexed service matched by sid", func(t *testing.T) {
		t.Parallel()
		tv, err := ParseXMLTV([]byte(`<tv>
  <channel id="CS_228"><display-name>チャンネル猫</display-name><service_id>228</service_id></channel>
  <channel id="CS_229"><display-name>チャンネル犬</display-name><service_id>229</service_id></channel>
  <programme start="20260829210000 +0900" stop="20260829213000 +0900" channel="CS_228"><title>特集</title></programme>
</tv>`))
		if err != nil {
			t.Fatal(err)
		}
		sampled := &Channel{Type: TypeCS, Channel: "CS8", SID: "228"}
		out := convertChannels(tv, sampled, []*Channel{sampled})
		if len(out) != 1 {
			t.Fatalf("got %d entries, want 1", len(out))
		}
		e := out[0]
		if e.Channel.Channel != "CS8" || e.SID != "228" || e.ID != "CS_228" {
			t.Errorf("entry = %+v", e.Channel)
		}
		if len(e.Programs) != 1 {
			t.Errorf("programs = %d", len(e.Programs))
		}
	})
}
