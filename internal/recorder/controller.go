// Package recorder owns the recording lifecycle: it turns due
// reservations into capture sessions, supervises the external capture
// processes and persists every transition.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"tunerd/internal/jsonstore"
	"tunerd/internal/reserve"
	"tunerd/internal/storage"
	"tunerd/internal/tuner"
	logx "tunerd/pkg/logx"
)

// Options is the controller's resolved configuration.
type Options struct {
	// PrepTime is how far before a program's start its session is
	// created.
	PrepTime time.Duration
	// OffsetStart shifts capture start earlier by this amount.
	OffsetStart time.Duration
	// OffsetEnd shifts the end-of-recording deadline; usually negative.
	OffsetEnd time.Duration
	// CommandSpan is the minimum spacing between external commands
	// (spawn and terminate alike). Zero disables throttling.
	CommandSpan time.Duration

	RecordedDir     string
	RecordedFormat  string
	RecordedCommand string

	RecordingPath string
	RecordedPath  string
	ReservesPath  string
}

// Controller drives all sessions. One instance owns the recording and
// recorded stores; reservations arrive via SetReserves.
type Controller struct {
	opts   Options
	inv    tuner.Inventory
	leases *tuner.Manager
	index  storage.Store
	log    logx.Logger

	limiter *rate.Limiter

	mu           sync.Mutex
	reserves     []*reserve.Reservation
	sessions     map[string]*Session
	recorded     map[string]bool
	recordedList []*RecordedEntry
	onPreparing  func()
	closed       bool

	wg sync.WaitGroup
}

// NewController loads the recorded store and resets the recording
// store: in-flight sessions do not survive a restart, their devices
// come back via stale-lease recovery.
func NewController(opts Options, inv tuner.Inventory, leases *tuner.Manager, index storage.Store, log logx.Logger) (*Controller, error) {
	recordedList, err := LoadRecorded(opts.RecordedPath)
	if err != nil {
		return nil, err
	}
	if err := jsonstore.Save(opts.RecordingPath, []*Session{}); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.CommandSpan > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.CommandSpan), 1)
	}

	c := &Controller{
		opts:         opts,
		inv:          inv,
		leases:       leases,
		index:        index,
		log:          log,
		limiter:      limiter,
		sessions:     make(map[string]*Session),
		recorded:     make(map[string]bool, len(recordedList)),
		recordedList: recordedList,
	}
	for _, e := range recordedList {
		c.recorded[e.ID] = true
	}
	return c, nil
}

// OnPreparing registers a callback fired whenever a session enters
// PREPARING. The operator uses it to stop an in-flight rebuild pass.
func (c *Controller) OnPreparing(fn func()) {
	c.mu.Lock()
	c.onPreparing = fn
	c.mu.Unlock()
}

// SetReserves swaps in a new reservation snapshot (sorted by start).
func (c *Controller) SetReserves(list []*reserve.Reservation) {
	c.mu.Lock()
	c.reserves = list
	c.mu.Unlock()
}

// SetRecorded swaps in an externally edited recorded snapshot.
func (c *Controller) SetRecorded(list []*RecordedEntry) {
	c.mu.Lock()
	c.recordedList = list
	c.recorded = make(map[string]bool, len(list))
	for _, e := range list {
		c.recorded[e.ID] = true
	}
	c.mu.Unlock()
}

// Tick runs one scheduling pass. Reservation checks run before
// recording checks so "due" and "already recording" are evaluated in
// a fixed order within the tick.
func (c *Controller) Tick(now time.Time) {
	c.CheckReserves(now)
	c.CheckRecording(now)
}

// CheckReserves promotes due reservations to PREPARING sessions.
func (c *Controller) CheckReserves(now time.Time) {
	c.mu.Lock()
	prepared := false
	for _, r := range c.reserves {
		if r.IsConflict || r.IsSkip || now.After(r.End) {
			continue
		}
		if r.Start.Sub(now) > c.opts.PrepTime {
			continue
		}
		if _, inFlight := c.sessions[r.ID]; inFlight || c.recorded[r.ID] {
			continue
		}
		c.prepareLocked(r, now)
		prepared = true
	}
	cb := c.onPreparing
	c.mu.Unlock()

	if prepared && cb != nil {
		cb()
	}
}

func (c *Controller) prepareLocked(r *reserve.Reservation, now time.Time) {
	s := &Session{Reservation: *r, State: StatePreparing}
	c.sessions[r.ID] = s
	c.log.Info("prepare",
		logx.String("id", r.ID), logx.String("title", r.Title),
		logx.Time("start", r.Start))

	delay := r.Start.Sub(now) - c.opts.OffsetStart
	if delay < 0 {
		// Start is already past (or within the offset); give the tick
		// a moment to settle instead of firing inline.
		delay = 3 * time.Second
	}
	s.timer = time.AfterFunc(delay, func() { c.record(s) })
	c.persistRecordingLocked()
}

// record moves a prepared session into capture. Runs on the session's
// timer goroutine and retries until a device is leased, the deadline
// passes or the controller shuts down.
func (c *Controller) record(s *Session) {
	for {
		now := time.Now()
		if s.End.Sub(now)+c.opts.OffsetEnd < 0 {
			c.abort(s, "deadline exceeded before capture start")
			return
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		t := c.leases.FindFree(c.inv, s.Channel.Type)
		if t == nil {
			c.log.Warn("no free tuner; retrying in 5s",
				logx.String("type", string(s.Channel.Type)), logx.String("id", s.ID))
			time.Sleep(5 * time.Second)
			continue
		}
		err := c.leases.Acquire(t)
		if errors.Is(err, tuner.ErrLeaseHeld) {
			// Lost the race, re-query.
			continue
		}
		if err != nil {
			c.log.Warn("tuner acquire failed; retrying in 5s",
				logx.String("tuner", t.Name), logx.Err(err))
			time.Sleep(5 * time.Second)
			continue
		}
		c.log.Info("lease", logx.String("tuner", t.Name), logx.Int("n", t.N))

		if err := c.startCapture(s, t); err != nil {
			c.log.Error("capture start failed",
				logx.String("id", s.ID), logx.Err(err))
			_ = c.leases.Release(t, os.Getpid())
			c.abort(s, "capture start failed")
		}
		return
	}
}

func (c *Controller) startCapture(s *Session, t *tuner.Tuner) error {
	recPath := filepath.Join(c.opts.RecordedDir, FormatRecordedName(c.opts.RecordedFormat, &s.Reservation))
	if err := os.MkdirAll(filepath.Dir(recPath), 0o755); err != nil {
		return err
	}

	sid := s.Channel.SID
	if sid != "" {
		// The capture keeps carrying guide data alongside the service.
		sid += ",epg"
	}
	cmdline := t.ResolveCommand(s.Channel.Channel, sid)
	fields := strings.Fields(cmdline)

	c.throttle("recwait")

	f, err := os.OpenFile(recPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdout = f
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = f.Close()
		return err
	}
	c.log.Info("spawn", logx.String("command", cmdline), logx.Int("pid", cmd.Process.Pid))
	c.log.Info("stream", logx.String("path", recPath))
	_ = c.leases.UpdateHolder(t, cmd.Process.Pid)

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			c.log.Debug(fields[0] + ": " + strings.TrimSpace(sc.Text()))
		}
	}()

	c.mu.Lock()
	s.State = StateRecording
	s.tuner = t
	s.TunerName = t.Name
	s.PID = cmd.Process.Pid
	s.Recorded = recPath
	s.Command = cmdline
	s.cmd = cmd
	s.out = f
	c.persistRecordingLocked()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := cmd.Wait(); err != nil {
			// Abnormal exit still finalizes; whatever partial file
			// exists is kept and post-processed.
			c.log.Warn("capture exited abnormally", logx.String("id", s.ID), logx.Err(err))
		}
		c.finalize(s)
	}()
	return nil
}

// CheckRecording terminates sessions whose adjusted end deadline has
// passed. The guard flag keeps the signal from being sent twice.
func (c *Controller) CheckRecording(now time.Time) {
	c.mu.Lock()
	var due []*Session
	for _, s := range c.sessions {
		if s.State != StateRecording {
			continue
		}
		if s.End.Sub(now)+c.opts.OffsetEnd >= 0 {
			continue
		}
		if s.PID == 0 || s.isSigTerm {
			continue
		}
		s.isSigTerm = true
		s.State = StateFinishing
		due = append(due, s)
	}
	if len(due) > 0 {
		c.persistRecordingLocked()
	}
	c.mu.Unlock()

	for _, s := range due {
		go func(s *Session) {
			c.throttle("killwait")
			c.log.Info("finish",
				logx.String("id", s.ID), logx.String("title", s.Title),
				logx.Int("pid", s.PID))
			if err := syscall.Kill(s.PID, syscall.SIGTERM); err != nil {
				c.log.Warn("terminate failed", logx.Int("pid", s.PID), logx.Err(err))
			}
		}(s)
	}
}

// finalize completes a session after its capture process exits:
// release the device, move the session to the recorded store, drop a
// matching manual reservation and hand off to post-processing.
func (c *Controller) finalize(s *Session) {
	s.finalizeOnce.Do(func() {
		if s.out != nil {
			_ = s.out.Close()
		}
		if s.tuner != nil {
			if err := c.leases.Release(s.tuner, s.PID); err != nil {
				c.log.Warn("lease release failed", logx.String("tuner", s.TunerName), logx.Err(err))
			} else {
				c.log.Info("unlock", logx.String("tuner", s.TunerName))
			}
		}

		entry := &RecordedEntry{Reservation: s.Reservation, Recorded: s.Recorded}

		c.mu.Lock()
		delete(c.sessions, s.ID)
		c.recordedList = append(c.recordedList, entry)
		c.recorded[s.ID] = true
		if err := SaveRecorded(c.opts.RecordedPath, c.recordedList); err != nil {
			c.log.Error("recorded store write failed", logx.Err(err))
		}
		c.persistRecordingLocked()
		if s.IsManualReserve {
			c.reserves = reserve.Remove(c.reserves, s.ID)
			if err := reserve.Save(c.opts.ReservesPath, c.reserves); err != nil {
				c.log.Error("reserves store write failed", logx.Err(err))
			}
		}
		c.mu.Unlock()

		c.log.Info("recorded",
			logx.String("id", s.ID), logx.String("title", s.Title),
			logx.String("path", s.Recorded))

		c.postProcess(entry)
		c.indexRecording(&s.Reservation, s.Recorded, false)
	})
}

// abort drops a session that never reached capture.
func (c *Controller) abort(s *Session, reason string) {
	c.mu.Lock()
	delete(c.sessions, s.ID)
	c.persistRecordingLocked()
	c.mu.Unlock()

	c.log.Error("recording aborted",
		logx.String("id", s.ID), logx.String("title", s.Title),
		logx.String("reason", reason))
	c.indexRecording(&s.Reservation, "", true)
}

func (c *Controller) postProcess(entry *RecordedEntry) {
	if c.opts.RecordedCommand == "" {
		return
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("post-process metadata encode failed", logx.Err(err))
		return
	}
	cmd := exec.Command(c.opts.RecordedCommand, entry.Recorded, string(meta))
	if err := cmd.Start(); err != nil {
		c.log.Warn("post-process spawn failed",
			logx.String("command", c.opts.RecordedCommand), logx.Err(err))
		return
	}
	c.log.Info("spawn",
		logx.String("command", c.opts.RecordedCommand), logx.Int("pid", cmd.Process.Pid))
	go func() { _ = cmd.Wait() }()
}

func (c *Controller) indexRecording(r *reserve.Reservation, path string, aborted bool) {
	if c.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.index.AppendRecording(ctx, storage.Recording{
		ProgramID: r.ID,
		Type:      string(r.Channel.Type),
		Channel:   r.Channel.Channel,
		Name:      r.Channel.Name,
		Title:     r.Title,
		Start:     r.Start,
		End:       r.End,
		Path:      path,
		Aborted:   aborted,
	})
	if err != nil {
		c.log.Warn("history index write failed", logx.String("id", r.ID), logx.Err(err))
	}
}

func (c *Controller) throttle(op string) {
	if c.limiter == nil {
		return
	}
	d := c.limiter.Reserve().Delay()
	if d > 0 {
		c.log.Info("wait", logx.String("op", op), logx.Duration("delay", d))
		time.Sleep(d)
	}
}

// NextStart returns the start time of the earliest still-relevant
// reservation, used by the operator to gate rebuild passes.
func (c *Controller) NextStart(now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.reserves {
		if r.IsSkip || r.IsConflict || now.After(r.End) {
			continue
		}
		return r.Start, true
	}
	return time.Time{}, false
}

// ActiveCount reports in-flight sessions (any state).
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown finalizes in-flight sessions directly rather than waiting
// for natural process exit, so leases are released and the stores are
// persisted before the process exits.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	snapshot := make([]*Session, 0, len(c.sessions))
	states := make(map[*Session]State, len(c.sessions))
	for _, s := range c.sessions {
		snapshot = append(snapshot, s)
		states[s] = s.State
	}
	c.mu.Unlock()

	for _, s := range snapshot {
		if s.timer != nil {
			s.timer.Stop()
		}
		switch states[s] {
		case StateRecording, StateFinishing:
			if s.PID != 0 {
				_ = syscall.Kill(s.PID, syscall.SIGTERM)
			}
			c.finalize(s)
		default:
			c.mu.Lock()
			delete(c.sessions, s.ID)
			c.persistRecordingLocked()
			c.mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.log.Warn("capture processes still running at shutdown")
	}
}

func (c *Controller) persistRecordingLocked() {
	list := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
	if err := jsonstore.Save(c.opts.RecordingPath, list); err != nil {
		c.log.Error("recording store write failed", logx.Err(err))
	}
}
