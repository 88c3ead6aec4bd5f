package config

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// AgentBacklogFile is the backlog name inside StateDir when no path is configured.
const AgentBacklogFile = "vmstats_influx_backlog.lp"

// AgentConfig holds the settings of the telemetry agent.
type AgentConfig struct {
	Libvirt LibvirtConfig
	Influx  InfluxConfig
	Batch   BatchConfig
	Log     LogConfig

	PollInterval   time.Duration
	DeviceCacheTTL time.Duration
	StateDir       string
	MetricsAddr    string // /metrics and /api/telemetry listener, empty disables it
}

// NewAgentConfig parses args (without the program name) and the environment.
func NewAgentConfig(args []string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		Libvirt:        defaultLibvirt(),
		Influx:         defaultInflux(),
		Batch:          defaultBatch(),
		Log:            LogConfig{Level: "info"},
		PollInterval:   time.Second,
		DeviceCacheTTL: 5 * time.Minute,
		StateDir:       "/var/lib/vmstats",
		MetricsAddr:    "localhost:8081",
	}

	var configPath string
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	commonFlags(fs, &cfg.Libvirt, &cfg.Influx, &cfg.Batch, &cfg.Log, &configPath)
	secondsVar(fs, &cfg.PollInterval, "poll-interval", "time between polls")
	secondsVar(fs, &cfg.DeviceCacheTTL, "device-cache-ttl", "device list cache lifetime")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for the default backlog file")
	fs.StringVar(&cfg.MetricsAddr, "metrics-address", cfg.MetricsAddr, "address of the metrics and control listener")
	if err := parse(fs, args, &configPath); err != nil {
		return nil, err
	}

	var errs []error
	if configPath != "" {
		fc, err := loadFile(configPath)
		if err != nil {
			return nil, err
		}
		o := &overlay{fs: fs}
		o.common(fc, &cfg.Libvirt, &cfg.Influx, &cfg.Batch, &cfg.Log)
		o.duration(&cfg.PollInterval, fc.PollInterval, "poll-interval")
		o.duration(&cfg.DeviceCacheTTL, fc.DeviceCacheTTL, "device-cache-ttl")
		o.str(&cfg.StateDir, fc.StateDir, "state-dir")
		o.str(&cfg.MetricsAddr, fc.MetricsAddr, "metrics-address")
		errs = append(errs, o.errs...)
	}

	e := &env{}
	readAgentEnvironment(e, cfg)
	errs = append(errs, e.errs...)

	if cfg.Influx.BacklogPath == "" {
		cfg.Influx.BacklogPath = filepath.Join(cfg.StateDir, AgentBacklogFile)
	}
	errs = append(errs, cfg.Influx.validate())
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readAgentEnvironment(e *env, cfg *AgentConfig) {
	e.libvirt(&cfg.Libvirt)
	e.influx(&cfg.Influx)
	e.batch(&cfg.Batch)
	e.log(&cfg.Log)
	e.duration(&cfg.PollInterval, "POLL_INTERVAL")
	e.duration(&cfg.DeviceCacheTTL, "DEVICE_CACHE_TTL")
	e.str(&cfg.StateDir, "STATE_DIR")
	e.str(&cfg.MetricsAddr, "METRICS_ADDRESS")
}

const masked = "***"

// SafeAgentConfig is the agent configuration with connection strings and the token masked.
type SafeAgentConfig struct {
	LibvirtURI     string  `json:"libvirt_uri"`
	InfluxURL      string  `json:"influx_url"`
	InfluxDB       string  `json:"influx_db"`
	InfluxToken    string  `json:"influx_token"`
	PollInterval   float64 `json:"poll_interval"`
	BatchMaxLines  int     `json:"batch_max_lines"`
	BatchMaxSec    float64 `json:"batch_max_sec"`
	QueueCapacity  int     `json:"queue_capacity"`
	DeviceCacheTTL float64 `json:"device_cache_ttl"`
	BacklogPath    string  `json:"backlog_path"`
}

// Safe returns the settings that may be shown over HTTP.
func (c *AgentConfig) Safe() SafeAgentConfig {
	return SafeAgentConfig{
		LibvirtURI:     mask(c.Libvirt.URI),
		InfluxURL:      mask(c.Influx.URL),
		InfluxDB:       c.Influx.Database,
		InfluxToken:    mask(c.Influx.Token),
		PollInterval:   c.PollInterval.Seconds(),
		BatchMaxLines:  c.Batch.MaxLines,
		BatchMaxSec:    c.Batch.MaxInterval.Seconds(),
		QueueCapacity:  c.Batch.QueueCapacity,
		DeviceCacheTTL: c.DeviceCacheTTL.Seconds(),
		BacklogPath:    c.Influx.BacklogPath,
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return masked
}
