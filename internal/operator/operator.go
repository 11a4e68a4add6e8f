// Package operator drives the one-second scheduling loop and launches
// the schedule-rebuild pass as an external process.
package operator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"tunerd/internal/recorder"
	logx "tunerd/pkg/logx"
)

// Options is the operator's resolved configuration.
type Options struct {
	// Command is the rebuild pass command line.
	Command string
	// LogDir receives the rebuild pass output (scheduler.log).
	LogDir string
	// Interval is the minimum spacing between rebuild passes.
	Interval time.Duration
	// ProcessTime is the safety margin: no rebuild starts when the next
	// reservation is due within it.
	ProcessTime time.Duration
	// SleepStartHour/SleepEndHour bound the nightly window in which no
	// rebuild is launched. The window may wrap midnight.
	SleepStartHour int
	SleepEndHour   int
}

// Operator owns the periodic tick. Exactly one rebuild pass runs at a
// time; a session entering PREPARING stops it cooperatively.
type Operator struct {
	ctrl *recorder.Controller
	opts Options
	log  logx.Logger

	mu      sync.Mutex
	proc    *exec.Cmd
	out     *os.File
	running bool
	lastRun time.Time
}

func New(ctrl *recorder.Controller, opts Options, log logx.Logger) *Operator {
	return &Operator{ctrl: ctrl, opts: opts, log: log}
}

// Run blocks until ctx is done, ticking once per second.
func (o *Operator) Run(ctx context.Context) error {
	o.ctrl.OnPreparing(o.StopRebuild)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			o.StopRebuild()
			return nil
		case now := <-tick.C:
			o.tick(now)
		}
	}
}

// tick never lets one bad pass kill the loop; state is left unchanged
// for the next tick.
func (o *Operator) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("tick failed", logx.Any("panic", r))
		}
	}()
	o.ctrl.Tick(now)
	o.maybeRebuild(now)
}

// maybeRebuild launches the rebuild pass when every gate passes: no
// pass running, the interval elapsed, nothing recording or due within
// the safety margin, and the clock outside the sleep window.
func (o *Operator) maybeRebuild(now time.Time) {
	o.mu.Lock()
	running, last := o.running, o.lastRun
	o.mu.Unlock()

	if running {
		return
	}
	if now.Sub(last) < o.opts.Interval {
		return
	}
	if o.ctrl.ActiveCount() > 0 {
		return
	}
	if next, ok := o.ctrl.NextStart(now); ok && next.Sub(now) <= o.opts.ProcessTime {
		return
	}
	if inSleepWindow(now.Hour(), o.opts.SleepStartHour, o.opts.SleepEndHour) {
		return
	}
	o.startRebuild(now)
}

func (o *Operator) startRebuild(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}

	fields := strings.Fields(o.opts.Command)
	if len(fields) == 0 {
		o.log.Error("empty rebuild command")
		return
	}

	var out *os.File
	if o.opts.LogDir != "" {
		if err := os.MkdirAll(o.opts.LogDir, 0o755); err == nil {
			logPath := filepath.Join(o.opts.LogDir, "scheduler.log")
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				o.log.Warn("rebuild log open failed", logx.String("path", logPath), logx.Err(err))
			} else {
				out = f
			}
		}
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		o.log.Error("rebuild spawn failed", logx.String("command", o.opts.Command), logx.Err(err))
		return
	}
	o.proc = cmd
	o.out = out
	o.running = true
	o.lastRun = now
	o.log.Info("rebuild started",
		logx.String("command", o.opts.Command), logx.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		o.mu.Lock()
		o.running = false
		o.proc = nil
		if o.out != nil {
			_ = o.out.Close()
			o.out = nil
		}
		o.mu.Unlock()
		if err != nil {
			o.log.Warn("rebuild exited abnormally", logx.Err(err))
		} else {
			o.log.Info("rebuild finished")
		}
	}()
}

// StopRebuild asks a running rebuild pass to quit cooperatively so the
// devices are free for capture.
func (o *Operator) StopRebuild() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.proc == nil || o.proc.Process == nil {
		return
	}
	o.log.Info("stopping rebuild", logx.Int("pid", o.proc.Process.Pid))
	if err := o.proc.Process.Signal(syscall.SIGQUIT); err != nil {
		o.log.Warn("rebuild stop signal failed", logx.Err(err))
	}
}

// RebuildRunning reports whether a rebuild pass is in flight.
func (o *Operator) RebuildRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// inSleepWindow treats [start, end) as local hours; start > end wraps
// past midnight.
func inSleepWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
