// Package config holds the agent settings and loads them from YAML.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"tracewatch/internal/probe"
	"tracewatch/internal/shared"
)

const (
	ListerSS   = "ss"
	ListerProc = "proc"
)

var probeProtocols = map[string]bool{
	"icmp": true,
	"udp":  true,
	"tcp":  true,
}

type Probe struct {
	Bin      string        `yaml:"bin"`
	Protocol string        `yaml:"protocol"`
	Timeout  time.Duration `yaml:"timeout"`
	Nice     int           `yaml:"nice"`
	Ext      string        `yaml:"ext"`
}

type Config struct {
	LogRoot        string        `yaml:"log_root"`
	Hostname       string        `yaml:"hostname"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	CacheTimeout   time.Duration `yaml:"cache_timeout"`
	CacheJitter    time.Duration `yaml:"cache_jitter"`
	Workers        int           `yaml:"workers"`
	SourcePortBase int           `yaml:"source_port_base"`
	Lister         string        `yaml:"lister"`
	SSBin          string        `yaml:"ss_bin"`
	BurstSamples   int           `yaml:"burst_samples"`
	IgnoreNets     []string      `yaml:"ignore_nets"`
	Journal        string        `yaml:"journal"`
	Probe          Probe         `yaml:"probe"`
}

func Default() *Config {
	return &Config{
		LogRoot:        shared.DefaultLogRoot,
		PollInterval:   shared.DefaultPollInterval,
		CacheTimeout:   shared.DefaultCacheTimeout,
		Workers:        shared.DefaultMaxWorkers,
		SourcePortBase: shared.DefaultSourcePortBase,
		Lister:         ListerSS,
		SSBin:          shared.DefaultSSBin,
		BurstSamples:   shared.DefaultBurstSamples,
		IgnoreNets:     append([]string(nil), shared.DefaultIgnoreNets...),
		Probe: Probe{
			Bin:      shared.DefaultProbeBin,
			Protocol: shared.DefaultProbeProtocol,
			Timeout:  shared.DefaultProbeTimeout,
			Nice:     shared.DefaultProbeNice,
			Ext:      shared.DefaultLogExt,
		},
	}
}

// Load reads a YAML file on top of the defaults. Keys that are absent keep
// their default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func Decode(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode yaml")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.LogRoot) == "" {
		return errors.New("log_root must not be empty")
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.CacheTimeout < 0 {
		return errors.Errorf("cache_timeout must not be negative, got %s", c.CacheTimeout)
	}
	if c.CacheJitter < 0 {
		return errors.Errorf("cache_jitter must not be negative, got %s", c.CacheJitter)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.SourcePortBase <= 0 || c.SourcePortBase+c.Workers-1 > 0xffff {
		return errors.Errorf("source ports %d..%d out of range", c.SourcePortBase, c.SourcePortBase+c.Workers-1)
	}
	switch c.Lister {
	case ListerSS:
		if c.SSBin == "" {
			return errors.New("ss_bin must not be empty")
		}
	case ListerProc:
	default:
		return errors.Errorf("unknown lister %q", c.Lister)
	}
	if c.BurstSamples < 1 {
		return errors.Errorf("burst_samples must be at least 1, got %d", c.BurstSamples)
	}
	if c.Probe.Bin == "" {
		return errors.New("probe.bin must not be empty")
	}
	if !probeProtocols[c.Probe.Protocol] {
		return errors.Errorf("unknown probe.protocol %q", c.Probe.Protocol)
	}
	if c.Probe.Timeout <= 0 {
		return errors.Errorf("probe.timeout must be positive, got %s", c.Probe.Timeout)
	}
	if c.Probe.Nice < -20 || c.Probe.Nice > 19 {
		return errors.Errorf("probe.nice must be in [-20, 19], got %d", c.Probe.Nice)
	}
	for _, e := range c.IgnoreNets {
		if _, err := shared.ParseIgnoreEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// IgnoreList compiles IgnoreNets.
func (c *Config) IgnoreList() (*shared.IgnoreList, error) {
	return shared.NewIgnoreList(c.IgnoreNets)
}

func (c *Config) ProbeConfig() probe.Config {
	return probe.Config{
		Bin:      c.Probe.Bin,
		Protocol: c.Probe.Protocol,
		Timeout:  c.Probe.Timeout,
		Nice:     c.Probe.Nice,
		LogRoot:  c.LogRoot,
		Hostname: c.Hostname,
		Ext:      c.Probe.Ext,
	}
}
