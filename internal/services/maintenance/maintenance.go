// Package maintenance runs the cron-driven housekeeping jobs, today
// just retention for the recorded-history index.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tunerd/internal/storage"
	logx "tunerd/pkg/logx"
)

type Config struct {
	Enabled bool
	// PruneSpec is a 5-field cron expression in local time.
	PruneSpec string
	// KeepDays bounds history retention; 0 means the default (90).
	KeepDays int
}

type Service struct {
	cfg   Config
	index storage.Store
	log   logx.Logger

	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, index storage.Store, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		index:  index,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers and starts the jobs. A disabled service, or one
// without a history index to maintain, is a no-op.
func (s *Service) Start() error {
	if !s.cfg.Enabled || s.index == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	spec := strings.TrimSpace(s.cfg.PruneSpec)
	if spec == "" {
		spec = "30 4 * * *"
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	if _, err := c.AddFunc(spec, s.pruneHistory); err != nil {
		return fmt.Errorf("maintenance prune spec %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("prune_spec", spec))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Service) pruneHistory() {
	keep := s.cfg.KeepDays
	if keep <= 0 {
		keep = 90
	}
	cutoff := time.Now().AddDate(0, 0, -keep)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.index.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("history prune failed", logx.Err(err))
		return
	}
	s.log.Info("history pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
}
