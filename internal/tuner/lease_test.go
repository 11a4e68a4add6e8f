package tuner

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tunerd/internal/config"
	"tunerd/internal/epg"
	logx "tunerd/pkg/logx"
)

// deadPID is above the kernel's default pid_max, so no live process
// can ever have it.
const deadPID = 1 << 30

func testInventory() Inventory {
	return FromConfig([]config.TunerConfig{
		{Name: "PT3-T0", Types: []string{"GR"}, Command: "recpt1 --device /dev/pt3video2 <channel> - -"},
		{Name: "PT3-S0", Types: []string{"BS", "CS"}, Command: "recpt1 --device /dev/pt3video0 --sid <sid> <channel> - -"},
	})
}

func TestCapacityByType(t *testing.T) {
	t.Parallel()

	capacity := testInventory().CapacityByType()
	want := map[epg.ChannelType]int{epg.TypeGR: 1, epg.TypeBS: 1, epg.TypeCS: 1}
	for ty, n := range want {
		if capacity[ty] != n {
			t.Errorf("capacity[%s] = %d, want %d", ty, capacity[ty], n)
		}
	}
}

func TestResolveCommand(t *testing.T) {
	t.Parallel()

	inv := testInventory()
	got := inv[1].ResolveCommand("BS15_0", "103")
	want := "recpt1 --device /dev/pt3video0 --sid 103 BS15_0 - -"
	if got != want {
		t.Errorf("ResolveCommand() = %q, want %q", got, want)
	}
}

func TestAcquireReleaseCycle(t *testing.T) {
	t.Parallel()

	inv := testInventory()
	m := NewManager(t.TempDir(), logx.Nop())

	free := m.FindFree(inv, epg.TypeGR)
	if free == nil || free.N != 0 {
		t.Fatalf("FindFree() = %v, want tuner 0", free)
	}
	if err := m.Acquire(free); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := m.Acquire(free); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrLeaseHeld", err)
	}
	// Our own pid is alive, so the held device must not be offered.
	if got := m.FindFree(inv, epg.TypeGR); got != nil {
		t.Fatalf("FindFree() = %v, want nil while leased", got)
	}

	if err := m.UpdateHolder(free, os.Getpid()); err != nil {
		t.Fatalf("UpdateHolder() error = %v", err)
	}
	lease, err := m.Read(free)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if lease.PID != os.Getpid() {
		t.Errorf("lease pid = %d, want %d", lease.PID, os.Getpid())
	}

	if err := m.Release(free, os.Getpid()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if got := m.FindFree(inv, epg.TypeGR); got == nil || got.N != 0 {
		t.Fatalf("FindFree() after release = %v, want tuner 0", got)
	}
}

func TestFindFreeReclaimsStaleLease(t *testing.T) {
	t.Parallel()

	inv := testInventory()
	dir := t.TempDir()
	m := NewManager(dir, logx.Nop())

	b, _ := json.Marshal(Lease{PID: deadPID, AcquiredAt: time.Now().Add(-time.Hour)})
	path := filepath.Join(dir, "tuner.0.lock")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	got := m.FindFree(inv, epg.TypeGR)
	if got == nil || got.N != 0 {
		t.Fatalf("FindFree() = %v, want reclaimed tuner 0", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale lease file should be removed")
	}
}

func TestReleaseSkipsForeignLiveHolder(t *testing.T) {
	t.Parallel()

	inv := testInventory()
	dir := t.TempDir()
	m := NewManager(dir, logx.Nop())

	// pid 1 always exists.
	b, _ := json.Marshal(Lease{PID: 1, AcquiredAt: time.Now()})
	path := filepath.Join(dir, "tuner.0.lock")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Release(inv[0], os.Getpid()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("lease held by a live foreign process must survive release")
	}
}

func TestPoolLease(t *testing.T) {
	t.Parallel()

	inv := testInventory()
	m := NewManager(t.TempDir(), logx.Nop())
	pool := NewPool(m, inv)

	dev, err := pool.Lease(epg.TypeBS)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if dev.Name() != "PT3-S0" {
		t.Errorf("leased %q, want PT3-S0", dev.Name())
	}
	if _, err := pool.Lease(epg.TypeCS); !errors.Is(err, epg.ErrNoFreeTuner) {
		t.Fatalf("second Lease() error = %v, want ErrNoFreeTuner", err)
	}
	if err := dev.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := pool.Lease(epg.TypeCS); err != nil {
		t.Fatalf("Lease() after release error = %v", err)
	}
}
