// tunerd-scheduler runs one schedule-rebuild pass: acquire guide data
// for every configured channel, then recompute the reservation list.
// The operator daemon launches it between recordings; SIGQUIT asks it
// to wind down early so the capture devices are freed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunerd/internal/config"
	"tunerd/internal/epg"
	"tunerd/internal/jsonstore"
	"tunerd/internal/reserve"
	"tunerd/internal/rules"
	"tunerd/internal/tuner"
	"tunerd/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		force    bool
		simulate bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&force, "f", false, "discard the cached schedule and re-acquire every channel")
	flag.BoolVar(&simulate, "s", false, "simulate: rebuild but do not write the reservation store")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	log := logx.NewConsole(cfg.Logging.Level)

	if err := run(ctx, cfg, force, simulate, log); err != nil {
		log.Error("rebuild failed", logx.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, force, simulate bool, log logx.Logger) error {
	var prior epg.Schedule
	if !force {
		loaded, err := jsonstore.LoadOr[epg.Schedule](cfg.Paths.SchedulePath(), nil)
		if err != nil {
			log.Warn("schedule snapshot unreadable; re-acquiring everything", logx.Err(err))
		} else {
			prior = loaded
		}
	}

	inv := tuner.FromConfig(cfg.Tuners)
	leases := tuner.NewManager(cfg.Paths.DataDir, log.With(logx.String("svc", "tuner")))
	pool := tuner.NewPool(leases, inv)

	tmpDir := cfg.Paths.TemporaryDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	channels := make([]*epg.Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		typ := epg.ChannelType(cc.Type)
		if typ == epg.TypeEX {
			// No guide source for external inputs.
			continue
		}
		channels = append(channels, &epg.Channel{
			Type:    typ,
			Channel: cc.Channel,
			SID:     cc.SID,
			Name:    cc.Name,
		})
	}

	acq := epg.NewAcquirer(pool, tmpDir,
		cfg.Scheduler.EPGDumpPathOrDefault(),
		cfg.Scheduler.EPGSampleTimeOrDefault(),
		log.With(logx.String("svc", "epg")))

	schedule, err := acq.Run(ctx, channels, prior)
	if err != nil {
		// A quit signal stops acquisition; keep whatever was gathered
		// and still finish the cheap local recomputation.
		log.Warn("acquisition interrupted", logx.Err(err))
	}
	if simulate {
		log.Info("simulation; schedule snapshot left untouched", logx.Int("channels", len(schedule)))
	} else {
		if err := jsonstore.Save(cfg.Paths.SchedulePath(), schedule); err != nil {
			return err
		}
		log.Info("schedule written",
			logx.String("path", cfg.Paths.SchedulePath()), logx.Int("channels", len(schedule)))
	}

	ruleList, err := rules.Load(cfg.Paths.RulesPath())
	if err != nil {
		return err
	}
	priorReserves, err := reserve.Load(cfg.Paths.ReservesPath())
	if err != nil {
		log.Warn("reserves store unreadable; manual reservations lost for this pass", logx.Err(err))
	}

	list := reserve.Build(reserve.Input{
		Schedule: schedule,
		Rules:    ruleList,
		Prior:    priorReserves,
		Capacity: inv.CapacityByType(),
	}, log.With(logx.String("svc", "reserve")))
	list = reserve.Prune(list, time.Now())

	if simulate {
		log.Info("simulation; reservation store left untouched", logx.Int("reserves", len(list)))
		return nil
	}
	if err := reserve.Save(cfg.Paths.ReservesPath(), list); err != nil {
		return err
	}
	log.Info("reserves written",
		logx.String("path", cfg.Paths.ReservesPath()), logx.Int("count", len(list)))
	return nil
}
