package tuner

import (
	"errors"
	"os"

	"tunerd/internal/epg"
)

// Pool adapts the lease manager and a fixed inventory to the
// acquisition pass's leasing interface.
type Pool struct {
	m   *Manager
	inv Inventory
}

func NewPool(m *Manager, inv Inventory) *Pool {
	return &Pool{m: m, inv: inv}
}

// Lease finds and acquires a free device supporting typ. A lost
// creation race just moves on to the next free device.
func (p *Pool) Lease(typ epg.ChannelType) (epg.Device, error) {
	for {
		t := p.m.FindFree(p.inv, typ)
		if t == nil {
			return nil, epg.ErrNoFreeTuner
		}
		err := p.m.Acquire(t)
		if err == nil {
			return &leased{t: t, m: p.m}, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			return nil, err
		}
	}
}

type leased struct {
	t *Tuner
	m *Manager
}

func (l *leased) Name() string { return l.t.Name }

func (l *leased) CaptureCommand(channel, sid string) string {
	return l.t.ResolveCommand(channel, sid)
}

func (l *leased) Release() error {
	return l.m.Release(l.t, os.Getpid())
}
