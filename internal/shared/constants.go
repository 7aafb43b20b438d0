package shared

import "time"

var (
	DefaultLogRoot        = "/tmp"
	DefaultPollInterval   = 5 * time.Second
	DefaultCacheTimeout   = 120 * time.Second
	DefaultMaxWorkers     = 10
	DefaultSourcePortBase = 33457
	DefaultProbeBin       = "/usr/local/bin/paris-traceroute"
	DefaultProbeProtocol  = "icmp"
	DefaultProbeTimeout   = 60 * time.Second
	DefaultProbeNice      = 19
	DefaultLogExt         = "paris"
	DefaultSSBin          = "ss"
	DefaultBurstSamples   = 1
	BurstSleep            = 40 * time.Millisecond
	DefaultIgnoreNets     = []string{
		"127.0.0.0/8",      // localhost
		"128.112.139.0/24", // PlanetLab control
	}
)
