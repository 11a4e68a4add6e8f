package epg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	logx "tunerd/pkg/logx"
)

// ErrNoFreeTuner is returned by a TunerPool when every device
// supporting the requested type is leased.
var ErrNoFreeTuner = errors.New("no free tuner")

// TunerPool leases capture devices for EPG sampling.
type TunerPool interface {
	// Lease returns a free leased device supporting typ, or ErrNoFreeTuner.
	Lease(typ ChannelType) (Device, error)
}

// Device is a leased capture device. Release must be called exactly once.
type Device interface {
	Name() string
	// CaptureCommand resolves the device command template for a channel.
	CaptureCommand(channel, sid string) string
	Release() error
}

// Acquirer tunes into each configured channel, captures a short
// sample, feeds it to the external demultiplexer and folds the parsed
// metadata into a Schedule snapshot.
type Acquirer struct {
	Pool         TunerPool
	TemporaryDir string
	EPGDumpPath  string
	SampleTime   time.Duration
	Log          logx.Logger

	// retries per channel before giving up on it
	maxAttempts int
}

func NewAcquirer(pool TunerPool, tmpDir, epgdumpPath string, sample time.Duration, log logx.Logger) *Acquirer {
	return &Acquirer{
		Pool:         pool,
		TemporaryDir: tmpDir,
		EPGDumpPath:  epgdumpPath,
		SampleTime:   sample,
		Log:          log,
		maxAttempts:  3,
	}
}

// Run acquires metadata for every channel not yet present in prior and
// returns the merged schedule. A channel that keeps failing is skipped
// and retried on the next rebuild pass, never fatal for the run.
func (a *Acquirer) Run(ctx context.Context, channels []*Channel, prior Schedule) (Schedule, error) {
	schedule := prior
	for _, ch := range channels {
		if ctx.Err() != nil {
			return schedule, ctx.Err()
		}
		if scheduleHasChannel(schedule, ch) {
			continue
		}

		var lastErr error
		acquired := false
		for attempt := 1; attempt <= a.maxAttempts; attempt++ {
			entries, err := a.acquireChannel(ctx, ch, channels)
			if err == nil {
				schedule = append(schedule, entries...)
				acquired = true
				break
			}
			if ctx.Err() != nil {
				return schedule, ctx.Err()
			}
			lastErr = err
			a.Log.Warn("epg acquisition failed; retrying",
				logx.String("channel", string(ch.Type)+"-"+ch.Channel),
				logx.Int("attempt", attempt), logx.Err(err))
			select {
			case <-ctx.Done():
				return schedule, ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
		if !acquired {
			a.Log.Error("epg acquisition gave up on channel",
				logx.String("channel", string(ch.Type)+"-"+ch.Channel), logx.Err(lastErr))
		}
	}
	return schedule, nil
}

func (a *Acquirer) acquireChannel(ctx context.Context, ch *Channel, configured []*Channel) (Schedule, error) {
	dev, err := a.Pool.Lease(ch.Type)
	if err != nil {
		return nil, err
	}
	a.Log.Info("lease", logx.String("tuner", dev.Name()), logx.String("channel", ch.Channel))

	tmp := filepath.Join(a.TemporaryDir,
		"tunerd-epg-"+strconv.FormatInt(time.Now().UnixNano(), 36)+".m2ts")

	captureErr := a.captureSample(ctx, dev, ch, tmp)
	if rerr := dev.Release(); rerr != nil {
		a.Log.Warn("tuner release failed", logx.String("tuner", dev.Name()), logx.Err(rerr))
	}
	defer os.Remove(tmp)
	if captureErr != nil {
		return nil, captureErr
	}

	out, err := a.runDemux(ctx, ch.Type, tmp)
	if err != nil {
		return nil, err
	}

	tv, err := ParseXMLTV(out)
	if err != nil {
		return nil, err
	}
	entries := convertChannels(tv, ch, configured)
	for _, e := range entries {
		a.Log.Info("channel acquired",
			logx.String("channel", string(e.Type)+"-"+e.Channel.Channel),
			logx.String("id", e.ID), logx.String("sid", e.SID),
			logx.Int("programs", len(e.Programs)), logx.String("name", e.Name))
	}
	return entries, nil
}

// captureSample records the transport stream for the sample window.
// The capture process is hard-killed at the deadline; a killed capture
// with output on disk is still a usable sample.
func (a *Acquirer) captureSample(ctx context.Context, dev Device, ch *Channel, dst string) error {
	cctx, cancel := context.WithTimeout(ctx, a.SampleTime)
	defer cancel()

	cmdline := stripDescramble(dev.CaptureCommand(ch.Channel, ch.SID))
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return fmt.Errorf("empty capture command for tuner %s", dev.Name())
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	cmd := exec.CommandContext(cctx, fields[0], fields[1:]...)
	cmd.Stdout = f
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", fields[0], err)
	}
	a.Log.Info("spawn", logx.String("command", cmdline), logx.Int("pid", cmd.Process.Pid))

	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		a.Log.Debug("capture: " + strings.TrimSpace(sc.Text()))
	}
	err = cmd.Wait()
	// Deadline kill is the expected way a sample ends.
	if cctx.Err() == context.DeadlineExceeded {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("capture %s: %w", fields[0], err)
	}

	if st, serr := os.Stat(dst); serr != nil || st.Size() == 0 {
		return fmt.Errorf("capture produced no data for %s-%s", ch.Type, ch.Channel)
	}
	return nil
}

func (a *Acquirer) runDemux(ctx context.Context, typ ChannelType, sample string) ([]byte, error) {
	typeArg := "none"
	switch typ {
	case TypeBS:
		typeArg = "/BS"
	case TypeCS:
		typeArg = "/CS"
	}
	cmd := exec.CommandContext(ctx, a.EPGDumpPath, typeArg, sample, "-")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("demux %s: %w", a.EPGDumpPath, err)
	}
	return out, nil
}

var sidArg = regexp.MustCompile(` --sid [^ ]+`)

// stripDescramble removes per-recording arguments that break a raw
// EPG sample (descrambling and service filtering).
func stripDescramble(cmd string) string {
	cmd = strings.ReplaceAll(cmd, " --b25", "")
	cmd = strings.ReplaceAll(cmd, " --strip", "")
	return sidArg.ReplaceAllString(cmd, "")
}

func scheduleHasChannel(s Schedule, ch *Channel) bool {
	for _, e := range s {
		switch ch.Type {
		case TypeGR:
			if e.Type == TypeGR && e.Channel.Channel == ch.Channel {
				return true
			}
		case TypeBS:
			if e.Type == TypeBS && e.Channel.Channel == ch.Channel {
				return true
			}
		case TypeCS:
			if e.Type == TypeCS && e.Channel.Channel == ch.Channel && e.SID == ch.SID {
				return true
			}
		}
	}
	return false
}

// convertChannels folds a parsed dump into schedule entries for the
// sampled transport. For satellite transports one sample carries the
// whole multiplex, so entries are filtered down to configured channels.
func convertChannels(tv *tvXML, sampled *Channel, configured []*Channel) Schedule {
	var out Schedule
	for _, cx := range tv.Channels {
		var ch *Channel
		switch sampled.Type {
		case TypeGR:
			ch = &Channel{
				Type:    sampled.Type,
				Channel: sampled.Channel,
				Name:    cx.DisplayName,
				ID:      cx.ID,
				SID:     cx.ServiceID,
			}
		case TypeBS:
			if !hasConfigured(configured, TypeBS, func(c *Channel) bool { return c.Channel == cx.ServiceID }) {
				continue
			}
			ch = &Channel{
				Type:    TypeBS,
				Channel: cx.ServiceID,
				Name:    cx.DisplayName,
				ID:      cx.ID,
				SID:     cx.ServiceID,
			}
		case TypeCS:
			match := findConfigured(configured, TypeCS, func(c *Channel) bool { return c.SID == cx.ServiceID })
			if match == nil {
				continue
			}
			ch = &Channel{
				Type:    TypeCS,
				Channel: match.Channel,
				Name:    cx.DisplayName,
				ID:      cx.ID,
				SID:     cx.ServiceID,
			}
		default:
			continue
		}
		out = append(out, &ChannelSchedule{
			Channel:  *ch,
			Programs: convertPrograms(tv, ch),
		})
	}
	return out
}

func hasConfigured(channels []*Channel, typ ChannelType, pred func(*Channel) bool) bool {
	return findConfigured(channels, typ, pred) != nil
}

func findConfigured(channels []*Channel, typ ChannelType, pred func(*Channel) bool) *Channel {
	for _, c := range channels {
		if c.Type == typ && pred(c) {
			return c
		}
	}
	return nil
}
