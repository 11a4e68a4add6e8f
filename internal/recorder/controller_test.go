package recorder

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tunerd/internal/config"
	"tunerd/internal/epg"
	"tunerd/internal/reserve"
	"tunerd/internal/tuner"
	logx "tunerd/pkg/logx"
)

func testController(t *testing.T, dataDir, recordedDir string) (*Controller, *tuner.Manager, tuner.Inventory) {
	t.Helper()

	inv := tuner.FromConfig([]config.TunerConfig{
		{Name: "T0", Types: []string{"GR"}, Command: "sleep 30"},
	})
	leases := tuner.NewManager(dataDir, logx.Nop())

	c, err := NewController(Options{
		PrepTime:       time.Minute,
		OffsetStart:    0,
		OffsetEnd:      0,
		RecordedDir:    recordedDir,
		RecordedFormat: "<id>.m2ts",
		RecordingPath:  filepath.Join(dataDir, "recording.json"),
		RecordedPath:   filepath.Join(dataDir, "recorded.json"),
		ReservesPath:   filepath.Join(dataDir, "reserves.json"),
	}, inv, leases, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c, leases, inv
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func grReservation(start time.Time, d time.Duration, manual bool) *reserve.Reservation {
	ch := &epg.Channel{Type: epg.TypeGR, Channel: "27", ID: "GR_27", Name: "NHK"}
	return &reserve.Reservation{
		Program: epg.Program{
			ID:      epg.ProgramID(ch.ID, start),
			Channel: ch,
			Title:   "Test Program",
			Start:   start,
			End:     start.Add(d),
			Seconds: int64(d / time.Second),
		},
		IsManualReserve: manual,
	}
}

func TestSessionLifecycle(t *testing.T) {
	dataDir := t.TempDir()
	recordedDir := t.TempDir()
	c, leases, inv := testController(t, dataDir, recordedDir)

	now := time.Now()
	r := grReservation(now.Add(200*time.Millisecond), 1500*time.Millisecond, true)
	if err := reserve.Save(filepath.Join(dataDir, "reserves.json"), []*reserve.Reservation{r}); err != nil {
		t.Fatal(err)
	}
	c.SetReserves([]*reserve.Reservation{r})

	var preparing atomic.Int32
	c.OnPreparing(func() { preparing.Add(1) })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				c.Tick(time.Now())
			}
		}
	}()

	waitFor(t, 5*time.Second, "session to enter capture", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		s := c.sessions[r.ID]
		return s != nil && s.State != StatePreparing
	})
	if got := preparing.Load(); got != 1 {
		t.Errorf("preparing callback fired %d times, want 1", got)
	}

	waitFor(t, 15*time.Second, "session to finalize", func() bool {
		return c.ActiveCount() == 0
	})

	recorded, err := LoadRecorded(filepath.Join(dataDir, "recorded.json"))
	if err != nil {
		t.Fatalf("LoadRecorded() error = %v", err)
	}
	if len(recorded) != 1 || recorded[0].ID != r.ID {
		t.Fatalf("recorded store = %+v, want the finished session", recorded)
	}
	if recorded[0].Recorded == "" {
		t.Error("recorded entry should carry the destination path")
	}
	if _, err := os.Stat(recorded[0].Recorded); err != nil {
		t.Errorf("destination file missing: %v", err)
	}

	// Device must be free again.
	if free := leases.FindFree(inv, epg.TypeGR); free == nil {
		t.Error("tuner still leased after finalize")
	}

	// The manual reservation is consumed.
	left, err := reserve.Load(filepath.Join(dataDir, "reserves.json"))
	if err != nil {
		t.Fatalf("reserves Load() error = %v", err)
	}
	if len(left) != 0 {
		t.Errorf("reserves after finalize = %+v, want empty", left)
	}

	// A finished program must not re-enter on the next tick.
	c.SetReserves([]*reserve.Reservation{r})
	c.CheckReserves(time.Now())
	if c.ActiveCount() != 0 {
		t.Error("recorded program re-entered the session set")
	}
}

func TestMissedDeadlineAborts(t *testing.T) {
	dataDir := t.TempDir()
	c, _, _ := testController(t, dataDir, t.TempDir())

	now := time.Now()
	// Start long past: the prepare timer is clamped, and by the time it
	// fires the adjusted end deadline has passed.
	r := grReservation(now.Add(-5*time.Second), 5100*time.Millisecond, false)
	c.SetReserves([]*reserve.Reservation{r})
	c.CheckReserves(now)

	if c.ActiveCount() != 1 {
		t.Fatal("session should be prepared")
	}
	waitFor(t, 10*time.Second, "session to abort", func() bool {
		return c.ActiveCount() == 0
	})

	recorded, err := LoadRecorded(filepath.Join(dataDir, "recorded.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recorded) != 0 {
		t.Errorf("aborted session must not reach the recorded store, got %+v", recorded)
	}
}

func TestCheckReservesSkipsFlagged(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	c, _, _ := testController(t, dataDir, t.TempDir())

	now := time.Now()
	skipped := grReservation(now.Add(10*time.Second), time.Minute, false)
	skipped.IsSkip = true
	conflicted := grReservation(now.Add(20*time.Second), time.Minute, false)
	conflicted.IsConflict = true
	expired := grReservation(now.Add(-2*time.Hour), time.Minute, false)

	c.SetReserves([]*reserve.Reservation{skipped, conflicted, expired})
	c.CheckReserves(now)
	if c.ActiveCount() != 0 {
		t.Error("flagged reservations must not create sessions")
	}
}

func TestNextStart(t *testing.T) {
	t.Parallel()

	c, _, _ := testController(t, t.TempDir(), t.TempDir())

	now := time.Now()
	first := grReservation(now.Add(30*time.Minute), time.Hour, false)
	first.IsSkip = true
	second := grReservation(now.Add(time.Hour), time.Hour, false)
	c.SetReserves([]*reserve.Reservation{first, second})

	got, ok := c.NextStart(now)
	if !ok || !got.Equal(second.Start) {
		t.Errorf("NextStart() = %v, %v; want %v", got, ok, second.Start)
	}

	c.SetReserves(nil)
	if _, ok := c.NextStart(now); ok {
		t.Error("NextStart() with no reservations should report none")
	}
}
