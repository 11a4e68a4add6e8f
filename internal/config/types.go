package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the full tunerd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; YAML is coerced to JSON before strict
// decoding, so unknown fields are rejected in both formats.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Paths groups every directory tunerd writes to. DataDir holds the
	// reservation/recording/recorded stores, the schedule snapshot and
	// the tuner lease files.
	Paths PathsConfig `json:"paths"`

	Channels []ChannelConfig `json:"channels"`
	Tuners   []TunerConfig   `json:"tuners"`

	Recorder  RecorderConfig  `json:"recorder"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type PathsConfig struct {
	DataDir      string `json:"data_dir"`
	LogDir       string `json:"log_dir"`
	RecordedDir  string `json:"recorded_dir"`
	TemporaryDir string `json:"temporary_dir,omitempty"`
}

// ChannelConfig declares one tuning target. SID disambiguates
// multiplexed services on CS.
type ChannelConfig struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	SID     string `json:"sid,omitempty"`
	Name    string `json:"name,omitempty"`
}

// TunerConfig declares one capture device. Command is the capture
// command template with <channel> and <sid> placeholders; the device
// ordinal (lease key) is the position in the tuners list.
type TunerConfig struct {
	Name    string   `json:"name"`
	Types   []string `json:"types"`
	Command string   `json:"command"`
}

// RecorderConfig controls the recording lifecycle.
//
// Defaults (when fields are omitted/zero):
//   - prep_time: "1m"
//   - offset_start: "5s"
//   - offset_end: "-8s"
//   - command_span: "0s" (no inter-command spacing)
//   - recorded_format: "[<date>][<type>] <title>.m2ts"
type RecorderConfig struct {
	PrepTime    string `json:"prep_time,omitempty"`
	OffsetStart string `json:"offset_start,omitempty"`
	// OffsetEnd shifts the end-of-recording deadline; it is usually
	// negative so the capture command is terminated slightly early.
	OffsetEnd   string `json:"offset_end,omitempty"`
	CommandSpan string `json:"command_span,omitempty"`

	RecordedFormat string `json:"recorded_format,omitempty"`
	// RecordedCommand is an optional post-processing hook spawned after
	// a session completes, with the destination path and the program
	// metadata (JSON) as arguments.
	RecordedCommand string `json:"recorded_command,omitempty"`
}

// SchedulerConfig controls the rebuild pass (EPG acquisition +
// reservation recomputation) launched by the operator.
//
// Defaults (when fields are omitted/zero):
//   - command: "./tunerd-scheduler"
//   - process_time: "20m"
//   - interval: "1h"
//   - sleep_start_hour: 1, sleep_end_hour: 5
//   - epg_sample_time: "45s"
//   - epgdump_path: "epgdump"
type SchedulerConfig struct {
	Command     string `json:"command,omitempty"`
	ProcessTime string `json:"process_time,omitempty"`
	Interval    string `json:"interval,omitempty"`

	SleepStartHour *int `json:"sleep_start_hour,omitempty"`
	SleepEndHour   *int `json:"sleep_end_hour,omitempty"`

	EPGSampleTime string `json:"epg_sample_time,omitempty"`
	EPGDumpPath   string `json:"epgdump_path,omitempty"`
}

// StorageConfig controls the optional sqlite recorded-history index.
// The JSON recorded store stays authoritative; sqlite only serves
// queries and reporting.
type StorageConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MaintenanceConfig controls the cron-driven maintenance jobs.
//
// PruneSpec is a standard 5-field cron expression evaluated in the
// local timezone; KeepDays bounds the recorded-history retention.
type MaintenanceConfig struct {
	Enabled   bool   `json:"enabled"`
	PruneSpec string `json:"prune_spec,omitempty"`
	KeepDays  int    `json:"keep_days,omitempty"`
}

// ---- derived paths ----

func (p PathsConfig) ReservesPath() string { return filepath.Join(p.DataDir, "reserves.json") }
func (p PathsConfig) RecordingPath() string {
	return filepath.Join(p.DataDir, "recording.json")
}
func (p PathsConfig) RecordedPath() string { return filepath.Join(p.DataDir, "recorded.json") }
func (p PathsConfig) SchedulePath() string { return filepath.Join(p.DataDir, "schedule.json") }
func (p PathsConfig) RulesPath() string    { return filepath.Join(p.DataDir, "rules.json") }

// ---- validation ----

var validChannelTypes = map[string]bool{"GR": true, "BS": true, "CS": true, "EX": true}

// Validate checks structural invariants. It is also the hot-reload
// gate: a config that fails here is rejected and the last known-good
// config stays in effect.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.RecordedDir) == "" {
		return fmt.Errorf("paths.recorded_dir is required")
	}
	if len(c.Tuners) == 0 {
		return fmt.Errorf("at least one tuner is required")
	}
	for i, t := range c.Tuners {
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("tuners[%d]: command is required", i)
		}
		if len(t.Types) == 0 {
			return fmt.Errorf("tuners[%d]: at least one channel type is required", i)
		}
		for _, ty := range t.Types {
			if !validChannelTypes[ty] {
				return fmt.Errorf("tuners[%d]: unknown channel type %q", i, ty)
			}
		}
	}
	for i, ch := range c.Channels {
		if !validChannelTypes[ch.Type] {
			return fmt.Errorf("channels[%d]: unknown channel type %q", i, ch.Type)
		}
		if strings.TrimSpace(ch.Channel) == "" {
			return fmt.Errorf("channels[%d]: channel is required", i)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"recorder.prep_time", c.Recorder.PrepTime},
		{"recorder.command_span", c.Recorder.CommandSpan},
		{"scheduler.process_time", c.Scheduler.ProcessTime},
		{"scheduler.interval", c.Scheduler.Interval},
		{"scheduler.epg_sample_time", c.Scheduler.EPGSampleTime},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	// Offsets may be negative (offset_end usually is).
	for _, f := range []struct{ path, raw string }{
		{"recorder.offset_start", c.Recorder.OffsetStart},
		{"recorder.offset_end", c.Recorder.OffsetEnd},
	} {
		if _, err := ParseSignedDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if h := c.Scheduler.SleepStartHour; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("scheduler.sleep_start_hour: must be in 0..23")
	}
	if h := c.Scheduler.SleepEndHour; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("scheduler.sleep_end_hour: must be in 0..23")
	}

	if s := c.Storage; s != nil && s.Enabled {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if m := c.Maintenance; m != nil && m.KeepDays < 0 {
		return fmt.Errorf("maintenance.keep_days: must be >= 0")
	}
	return nil
}

// ---- resolved durations ----

func (r RecorderConfig) PrepTimeOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("recorder.prep_time", r.PrepTime, time.Minute)
	return d
}

func (r RecorderConfig) OffsetStartOrDefault() time.Duration {
	d, err := ParseSignedDurationField("recorder.offset_start", r.OffsetStart)
	if err != nil || r.OffsetStart == "" {
		return 5 * time.Second
	}
	return d
}

func (r RecorderConfig) OffsetEndOrDefault() time.Duration {
	d, err := ParseSignedDurationField("recorder.offset_end", r.OffsetEnd)
	if err != nil || r.OffsetEnd == "" {
		return -8 * time.Second
	}
	return d
}

func (r RecorderConfig) CommandSpanOrDefault() time.Duration {
	d, _ := ParseDurationField("recorder.command_span", r.CommandSpan)
	return d
}

func (r RecorderConfig) RecordedFormatOrDefault() string {
	if strings.TrimSpace(r.RecordedFormat) == "" {
		return "[<date>][<type>] <title>.m2ts"
	}
	return r.RecordedFormat
}

func (s SchedulerConfig) CommandOrDefault() string {
	if strings.TrimSpace(s.Command) == "" {
		return "./tunerd-scheduler"
	}
	return s.Command
}

func (s SchedulerConfig) ProcessTimeOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.process_time", s.ProcessTime, 20*time.Minute)
	return d
}

func (s SchedulerConfig) IntervalOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.interval", s.Interval, time.Hour)
	return d
}

func (s SchedulerConfig) SleepWindow() (start, end int) {
	start, end = 1, 5
	if s.SleepStartHour != nil {
		start = *s.SleepStartHour
	}
	if s.SleepEndHour != nil {
		end = *s.SleepEndHour
	}
	return start, end
}

func (s SchedulerConfig) EPGSampleTimeOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.epg_sample_time", s.EPGSampleTime, 45*time.Second)
	return d
}

func (s SchedulerConfig) EPGDumpPathOrDefault() string {
	if strings.TrimSpace(s.EPGDumpPath) == "" {
		return "epgdump"
	}
	return s.EPGDumpPath
}
