// Package app wires the operator daemon together: configuration,
// logging, stores, the recording controller and the periodic loop.
package app

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"tunerd/internal/config"
	"tunerd/internal/jsonstore"
	"tunerd/internal/operator"
	"tunerd/internal/recorder"
	"tunerd/internal/reserve"
	"tunerd/internal/runtime/supervisor"
	"tunerd/internal/services/maintenance"
	"tunerd/internal/storage"
	"tunerd/internal/tuner"
	"tunerd/pkg/logx"
	"tunerd/pkg/systemd"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	sup   *supervisor.Supervisor
	index storage.Store
	ctrl  *recorder.Controller
	op    *operator.Operator
	maint *maintenance.Service
}

// New loads and validates the configuration and initializes logging.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if lc.File.Enabled && lc.File.Path == "" && cfg.Paths.LogDir != "" {
		lc.File.Path = filepath.Join(cfg.Paths.LogDir, "tunerd.log")
	}
	return lc
}

// Start brings up every component and returns once the daemon is
// running. Blocking work happens under the supervisor.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.RecordedDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if sc := cfg.Storage; sc != nil && sc.Enabled {
		path := sc.Path
		if path == "" {
			path = filepath.Join(cfg.Paths.DataDir, "history.db")
		}
		busy, _ := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		index, err := storage.Open(storage.Config{
			Enabled:     true,
			Path:        path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("svc", "storage")))
		if err != nil {
			return err
		}
		a.index = index
	}

	inv := tuner.FromConfig(cfg.Tuners)
	leases := tuner.NewManager(cfg.Paths.DataDir, a.log.With(logx.String("svc", "tuner")))

	ctrl, err := recorder.NewController(recorder.Options{
		PrepTime:        cfg.Recorder.PrepTimeOrDefault(),
		OffsetStart:     cfg.Recorder.OffsetStartOrDefault(),
		OffsetEnd:       cfg.Recorder.OffsetEndOrDefault(),
		CommandSpan:     cfg.Recorder.CommandSpanOrDefault(),
		RecordedDir:     cfg.Paths.RecordedDir,
		RecordedFormat:  cfg.Recorder.RecordedFormatOrDefault(),
		RecordedCommand: cfg.Recorder.RecordedCommand,
		RecordingPath:   cfg.Paths.RecordingPath(),
		RecordedPath:    cfg.Paths.RecordedPath(),
		ReservesPath:    cfg.Paths.ReservesPath(),
	}, inv, leases, a.index, a.log.With(logx.String("svc", "recorder")))
	if err != nil {
		return err
	}
	a.ctrl = ctrl

	sleepStart, sleepEnd := cfg.Scheduler.SleepWindow()
	a.op = operator.New(ctrl, operator.Options{
		Command:        cfg.Scheduler.CommandOrDefault(),
		LogDir:         cfg.Paths.LogDir,
		Interval:       cfg.Scheduler.IntervalOrDefault(),
		ProcessTime:    cfg.Scheduler.ProcessTimeOrDefault(),
		SleepStartHour: sleepStart,
		SleepEndHour:   sleepEnd,
	}, a.log.With(logx.String("svc", "operator")))

	if mc := cfg.Maintenance; mc != nil {
		a.maint = maintenance.New(maintenance.Config{
			Enabled:   mc.Enabled,
			PruneSpec: mc.PruneSpec,
			KeepDays:  mc.KeepDays,
		}, a.index, a.log.With(logx.String("svc", "maintenance")))
		if err := a.maint.Start(); err != nil {
			return err
		}
	}

	// Start from the persisted reservation state; the watch below
	// keeps it fresh.
	if reserves, err := reserve.Load(cfg.Paths.ReservesPath()); err == nil {
		ctrl.SetReserves(reserve.Prune(reserves, time.Now()))
	} else {
		a.log.Warn("reserves store unreadable at startup", logx.Err(err))
	}

	a.sup = supervisor.New(ctx, a.log.With(logx.String("svc", "supervisor")))

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyConfigUpdates)

	storeLog := a.log.With(logx.String("svc", "store"))
	a.sup.GoRestart("reserves.watch", func(ctx context.Context) error {
		return jsonstore.Watch(ctx, cfg.Paths.ReservesPath(), reserve.Parse, func(list []*reserve.Reservation) {
			ctrl.SetReserves(reserve.Prune(list, time.Now()))
		}, storeLog)
	})
	a.sup.GoRestart("recorded.watch", func(ctx context.Context) error {
		return jsonstore.Watch(ctx, cfg.Paths.RecordedPath(), recorder.ParseRecorded, ctrl.SetRecorded, storeLog)
	})

	a.sup.Go("operator", a.op.Run)
	a.sup.Go0("watchdog", systemd.WatchdogLoop)

	systemd.NotifyReady()
	a.log.Info("tunerd started",
		logx.Int("tuners", len(cfg.Tuners)), logx.Int("channels", len(cfg.Channels)))
	return nil
}

// applyConfigUpdates picks up hot-reloadable settings. Only logging is
// dynamic; everything else needs a restart and says so once.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logSvc.Apply(loggingConfig(cfg))
			a.log.Info("logging config applied; other sections apply on restart")
		}
	}
}

// Stop shuts the daemon down: rebuild pass asked to quit, in-flight
// sessions finalized, stores flushed.
func (a *App) Stop(ctx context.Context) error {
	systemd.NotifyStopping()

	if a.op != nil {
		a.op.StopRebuild()
	}
	var err error
	if a.sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = a.sup.Stop(wctx)
		cancel()
	}
	if a.ctrl != nil {
		a.ctrl.Shutdown()
	}
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	a.log.Info("tunerd stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return err
}
