// Package storage provides the optional recorded-history index.
//
// The JSON recorded store stays authoritative; the index only serves
// queries and retention (what aired, when, where the file went)
// without scanning the whole JSON document.
package storage

import (
	"context"
	"errors"
	"time"

	logx "tunerd/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the history index. Disabled means Open returns
// (nil, nil) and callers skip indexing entirely.
type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Recording is one completed (or aborted) session, schema-stable.
type Recording struct {
	ProgramID string
	Type      string
	Channel   string
	Name      string
	Title     string
	Start     time.Time
	End       time.Time
	Path      string
	Aborted   bool
}

// Store is the persistence API used by the recorder and maintenance.
type Store interface {
	AppendRecording(ctx context.Context, r Recording) error
	RecentRecordings(ctx context.Context, limit int) ([]Recording, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the index. Returns (nil, nil) when disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
