package tuner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"tunerd/internal/epg"
	logx "tunerd/pkg/logx"
)

// ErrLeaseHeld is returned by Acquire when another process created the
// lease first.
var ErrLeaseHeld = errors.New("tuner lease held")

// Lease is the on-disk exclusivity record for one device. Its absence
// means the device is free. PID starts as the acquiring process and is
// overwritten with the capture process once it spawns.
type Lease struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager mediates the per-device lease files in a shared directory.
// Exclusivity comes from exclusive-create file semantics, not from
// in-process locking, so independent processes coordinate safely.
type Manager struct {
	dir string
	log logx.Logger
}

func NewManager(dir string, log logx.Logger) *Manager {
	return &Manager{dir: dir, log: log}
}

func (m *Manager) leasePath(t *Tuner) string {
	return filepath.Join(m.dir, fmt.Sprintf("tuner.%d.lock", t.N))
}

// FindFree scans devices supporting typ in inventory order and returns
// the first free one, or nil when all are busy. A lease whose holder
// process no longer exists is stale and reclaimed on the way.
func (m *Manager) FindFree(inv Inventory, typ epg.ChannelType) *Tuner {
	for _, t := range inv {
		if !t.Supports(typ) {
			continue
		}
		lease, err := m.Read(t)
		if os.IsNotExist(err) {
			return t
		}
		if err != nil {
			// Unreadable lease: treat as busy, the holder may be mid-write.
			m.log.Warn("unreadable tuner lease", logx.String("tuner", t.Name), logx.Err(err))
			continue
		}
		if pidAlive(lease.PID) {
			continue
		}
		m.log.Warn("reclaiming stale tuner lease",
			logx.String("tuner", t.Name), logx.Int("pid", lease.PID),
			logx.Time("acquired_at", lease.AcquiredAt))
		if err := os.Remove(m.leasePath(t)); err != nil && !os.IsNotExist(err) {
			m.log.Warn("stale lease reclaim failed", logx.String("tuner", t.Name), logx.Err(err))
			continue
		}
		return t
	}
	return nil
}

// Acquire creates the device lease exclusively with the calling
// process as placeholder holder. ErrLeaseHeld means another process
// won the race; the caller should re-query FindFree.
func (m *Manager) Acquire(t *Tuner) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(Lease{PID: os.Getpid(), AcquiredAt: time.Now()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.leasePath(t), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", t.Name, ErrLeaseHeld)
		}
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// UpdateHolder overwrites the lease with the real capture process id
// once it is known. Stale-lease recovery then tracks the capture
// process rather than the controller.
func (m *Manager) UpdateHolder(t *Tuner, pid int) error {
	b, err := json.Marshal(Lease{PID: pid, AcquiredAt: time.Now()})
	if err != nil {
		return err
	}
	return os.WriteFile(m.leasePath(t), append(b, '\n'), 0o644)
}

// Release deletes the device lease. holderPID is the pid the caller
// believes holds it; when the lease records a different, live process
// the release is skipped so a newer holder is not evicted.
func (m *Manager) Release(t *Tuner, holderPID int) error {
	lease, err := m.Read(t)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && lease.PID != holderPID && pidAlive(lease.PID) {
		m.log.Warn("skipping release of lease held by another process",
			logx.String("tuner", t.Name),
			logx.Int("holder", lease.PID), logx.Int("caller", holderPID))
		return nil
	}
	if err := os.Remove(m.leasePath(t)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read returns the current lease record for a device.
func (m *Manager) Read(t *Tuner) (Lease, error) {
	var lease Lease
	b, err := os.ReadFile(m.leasePath(t))
	if err != nil {
		return lease, err
	}
	if err := json.Unmarshal(b, &lease); err != nil {
		return lease, fmt.Errorf("lease %s: %w", m.leasePath(t), err)
	}
	return lease, nil
}

// pidAlive probes process existence with a null signal. EPERM still
// means the process exists, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
