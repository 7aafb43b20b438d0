package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tracewatch/internal/config"
	"tracewatch/internal/shared"
)

const (
	FlagConfig         = "config"
	FlagLogRoot        = "log-root"
	FlagHostname       = "hostname"
	FlagInterval       = "interval"
	FlagCacheTimeout   = "cache-timeout"
	FlagCacheJitter    = "cache-jitter"
	FlagWorkers        = "workers"
	FlagSourcePortBase = "source-port-base"
	FlagProbeBin       = "probe-bin"
	FlagProbeProtocol  = "probe-protocol"
	FlagProbeTimeout   = "probe-timeout"
	FlagNice           = "nice"
	FlagLister         = "lister"
	FlagSSBin          = "ss-bin"
	FlagIgnoreNet      = "ignore-net"
	FlagBurstSamples   = "burst-samples"
	FlagJournal        = "journal"
	FlagOnce           = "once"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
	FlagDebug          = "debug"
)

func envVar(name string) []string {
	return []string{"TRACEWATCH_" + name}
}

func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    FlagConfig,
			Usage:   "YAML config file; flags given on the command line override it",
			EnvVars: envVar("CONFIG"),
		},
		&cli.StringFlag{
			Name:    FlagLogRoot,
			Value:   shared.DefaultLogRoot,
			Usage:   "root directory for probe logs",
			EnvVars: envVar("LOG_ROOT"),
		},
		&cli.StringFlag{
			Name:    FlagHostname,
			Usage:   "directory under the day directory for this host's logs",
			EnvVars: envVar("HOSTNAME"),
		},
		&cli.DurationFlag{
			Name:    FlagInterval,
			Value:   shared.DefaultPollInterval,
			Usage:   "connection table poll interval",
			EnvVars: envVar("INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    FlagCacheTimeout,
			Value:   shared.DefaultCacheTimeout,
			Usage:   "how long a probed address is not probed again",
			EnvVars: envVar("CACHE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    FlagCacheJitter,
			Usage:   "random extra cooldown per address, at most half the cache timeout",
			EnvVars: envVar("CACHE_JITTER"),
		},
		&cli.IntFlag{
			Name:    FlagWorkers,
			Value:   shared.DefaultMaxWorkers,
			Usage:   "maximum concurrent probes",
			EnvVars: envVar("WORKERS"),
		},
		&cli.IntFlag{
			Name:    FlagSourcePortBase,
			Value:   shared.DefaultSourcePortBase,
			Usage:   "source port of the first probe slot",
			EnvVars: envVar("SOURCE_PORT_BASE"),
		},
		&cli.StringFlag{
			Name:    FlagProbeBin,
			Value:   shared.DefaultProbeBin,
			Usage:   "paris-traceroute binary",
			EnvVars: envVar("PROBE_BIN"),
		},
		&cli.StringFlag{
			Name:    FlagProbeProtocol,
			Value:   shared.DefaultProbeProtocol,
			Usage:   "probe protocol (icmp, udp, tcp)",
			EnvVars: envVar("PROBE_PROTOCOL"),
		},
		&cli.DurationFlag{
			Name:    FlagProbeTimeout,
			Value:   shared.DefaultProbeTimeout,
			Usage:   "wall-clock limit for one probe",
			EnvVars: envVar("PROBE_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    FlagNice,
			Value:   shared.DefaultProbeNice,
			Usage:   "niceness of probe processes",
			EnvVars: envVar("NICE"),
		},
		&cli.StringFlag{
			Name:    FlagLister,
			Value:   config.ListerSS,
			Usage:   "connection table source (ss, proc)",
			EnvVars: envVar("LISTER"),
		},
		&cli.StringFlag{
			Name:    FlagSSBin,
			Value:   shared.DefaultSSBin,
			Usage:   "ss binary",
			EnvVars: envVar("SS_BIN"),
		},
		&cli.StringSliceFlag{
			Name:    FlagIgnoreNet,
			Value:   cli.NewStringSlice(shared.DefaultIgnoreNets...),
			Usage:   "network never probed (CIDR, address or dotted prefix); repeatable",
			EnvVars: envVar("IGNORE_NET"),
		},
		&cli.IntFlag{
			Name:    FlagBurstSamples,
			Value:   shared.DefaultBurstSamples,
			Usage:   "listings merged into each snapshot",
			EnvVars: envVar("BURST_SAMPLES"),
		},
		&cli.StringFlag{
			Name:    FlagJournal,
			Usage:   "append probe results to this JSON file (- for stdout)",
			EnvVars: envVar("JOURNAL"),
		},
		&cli.BoolFlag{
			Name:  FlagOnce,
			Usage: "take a baseline, run one cycle, wait for its probes and exit",
		},
		&cli.StringFlag{
			Name:    FlagLogLevel,
			Value:   "info",
			Usage:   "log level (trace, debug, info, warn, error, fatal, panic)",
			EnvVars: envVar("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    FlagLogFormat,
			Value:   "text",
			Usage:   "log format (text, json)",
			EnvVars: envVar("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    FlagDebug,
			Usage:   "shortcut for --log-level=debug",
			EnvVars: envVar("DEBUG"),
		},
	}
}

func configureLogging(ctx *cli.Context) error {
	if ctx.Bool(FlagDebug) {
		log.SetLevel(log.DebugLevel)
	} else {
		level, err := log.ParseLevel(ctx.String(FlagLogLevel))
		if err != nil {
			return errors.Wrapf(err, "--%s", FlagLogLevel)
		}
		log.SetLevel(level)
	}

	switch format := ctx.String(FlagLogFormat); format {
	case "text":
		log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(new(log.JSONFormatter))
	default:
		return errors.Errorf("unknown log-format %q", format)
	}

	return nil
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then flags set explicitly, then the positional hostname.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(FlagConfig); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if ctx.IsSet(FlagLogRoot) {
		cfg.LogRoot = ctx.String(FlagLogRoot)
	}
	if ctx.IsSet(FlagHostname) {
		cfg.Hostname = ctx.String(FlagHostname)
	}
	if ctx.IsSet(FlagInterval) {
		cfg.PollInterval = ctx.Duration(FlagInterval)
	}
	if ctx.IsSet(FlagCacheTimeout) {
		cfg.CacheTimeout = ctx.Duration(FlagCacheTimeout)
	}
	if ctx.IsSet(FlagCacheJitter) {
		cfg.CacheJitter = ctx.Duration(FlagCacheJitter)
	}
	if ctx.IsSet(FlagWorkers) {
		cfg.Workers = ctx.Int(FlagWorkers)
	}
	if ctx.IsSet(FlagSourcePortBase) {
		cfg.SourcePortBase = ctx.Int(FlagSourcePortBase)
	}
	if ctx.IsSet(FlagProbeBin) {
		cfg.Probe.Bin = ctx.String(FlagProbeBin)
	}
	if ctx.IsSet(FlagProbeProtocol) {
		cfg.Probe.Protocol = ctx.String(FlagProbeProtocol)
	}
	if ctx.IsSet(FlagProbeTimeout) {
		cfg.Probe.Timeout = ctx.Duration(FlagProbeTimeout)
	}
	if ctx.IsSet(FlagNice) {
		cfg.Probe.Nice = ctx.Int(FlagNice)
	}
	if ctx.IsSet(FlagLister) {
		cfg.Lister = ctx.String(FlagLister)
	}
	if ctx.IsSet(FlagSSBin) {
		cfg.SSBin = ctx.String(FlagSSBin)
	}
	if ctx.IsSet(FlagIgnoreNet) {
		cfg.IgnoreNets = ctx.StringSlice(FlagIgnoreNet)
	}
	if ctx.IsSet(FlagBurstSamples) {
		cfg.BurstSamples = ctx.Int(FlagBurstSamples)
	}
	if ctx.IsSet(FlagJournal) {
		cfg.Journal = ctx.String(FlagJournal)
	}

	switch ctx.NArg() {
	case 0:
	case 1:
		cfg.Hostname = ctx.Args().First()
	default:
		return nil, errors.Errorf("expected at most one hostname argument, got %d", ctx.NArg())
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
