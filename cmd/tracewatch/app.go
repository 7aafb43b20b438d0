package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tracewatch/internal/agent"
	"tracewatch/internal/config"
	"tracewatch/internal/dispatch"
	"tracewatch/internal/netstat"
	"tracewatch/internal/probe"
	"tracewatch/internal/process"
	"tracewatch/internal/shared"
	"tracewatch/internal/targetcache"
	"tracewatch/internal/telemetry"
)

const (
	AppName  = "tracewatch"
	AppUsage = "traceroute to every peer whose TCP connection just closed"
)

var version = "dev"

func newApp() *cli.App {
	return &cli.App{
		Name:      AppName,
		Usage:     AppUsage,
		Version:   version,
		ArgsUsage: "[hostname]",
		Flags:     appFlags(),
		Before:    configureLogging,
		Action:    run,
	}
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	ignore, err := cfg.IgnoreList()
	if err != nil {
		return err
	}

	journal, err := shared.NewJSONLogger(cfg.Journal, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.WithError(err).Warn("closing journal failed")
		}
	}()

	watcher := telemetry.NewWatcher(newLister(cfg),
		telemetry.WithBurst(cfg.BurstSamples, shared.BurstSleep))

	var cacheOpts []targetcache.Option
	if cfg.CacheJitter > 0 {
		cacheOpts = append(cacheOpts, targetcache.WithJitter(cfg.CacheJitter))
	}
	cache := targetcache.New(cfg.CacheTimeout, cacheOpts...)

	prober := probe.NewProber(cfg.ProbeConfig(), process.NewRunner(nil), nil)
	dispatcher, err := dispatch.New(cfg.Workers, cfg.SourcePortBase, prober,
		dispatch.WithResultFunc(func(res probe.Result) {
			if err := journal.WriteRecord(res.Record()); err != nil {
				log.WithError(err).Warn("writing journal failed")
			}
		}))
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(5 * time.Second); err != nil {
			log.WithError(err).Warn("releasing probe workers failed")
		}
	}()

	a := agent.New(watcher, cache, dispatcher,
		agent.WithInterval(cfg.PollInterval),
		agent.WithIgnoreList(ignore),
		agent.WithDrainTimeout(cfg.Probe.Timeout))

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"log_root": cfg.LogRoot,
		"hostname": cfg.Hostname,
		"workers":  dispatcher.Capacity(),
		"cooldown": cache.Timeout(),
		"lister":   cfg.Lister,
		"probe":    cfg.Probe.Bin,
	}).Info("tracewatch starting")

	if ctx.Bool(FlagOnce) {
		stats, err := a.Once(sigCtx)
		log.WithFields(log.Fields{
			"events":     stats.Events,
			"filtered":   stats.Filtered,
			"dispatched": stats.Dispatched,
			"dropped":    stats.Dropped,
		}).Info("single cycle done")
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	if err := a.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLister(cfg *config.Config) netstat.Lister {
	if cfg.Lister == config.ListerProc {
		return netstat.NewProcLister(nil)
	}
	return netstat.NewSSLister(cfg.SSBin, nil)
}
