package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// BacklogFile is the backlog name inside DumpDir when no path is configured.
const BacklogFile = "memdump_influx_backlog.lp"

// ServerConfig holds the settings of the dump service.
type ServerConfig struct {
	Libvirt LibvirtConfig
	Influx  InfluxConfig
	Batch   BatchConfig
	Log     LogConfig

	Addr          string
	Key           string // HMAC key for request bodies
	TrustedSubnet string // CIDR, ex. "192.168.1.0/24"

	DumpDir          string
	MaxParallel      int
	ProgressInterval time.Duration
	ShutdownTimeout  time.Duration
	CompressDumps    bool
	MaxDumpSize      int64 // bytes accepted for compression, 0 for the built-in cap
}

// NewServerConfig parses args (without the program name) and the environment.
func NewServerConfig(args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Libvirt:          defaultLibvirt(),
		Influx:           defaultInflux(),
		Batch:            defaultBatch(),
		Log:              LogConfig{Level: "info"},
		Addr:             "localhost:8080",
		DumpDir:          "/var/lib/vmstats/dumps",
		MaxParallel:      2,
		ProgressInterval: time.Second,
		ShutdownTimeout:  30 * time.Second,
	}

	var configPath string
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	commonFlags(fs, &cfg.Libvirt, &cfg.Influx, &cfg.Batch, &cfg.Log, &configPath)
	fs.StringVarP(&cfg.Addr, "address", "a", cfg.Addr, "HTTP server address")
	fs.StringVarP(&cfg.Key, "key", "k", cfg.Key, "hash key string")
	fs.StringVarP(&cfg.TrustedSubnet, "trusted-subnet", "t", cfg.TrustedSubnet, "trusted subnet")
	fs.StringVarP(&cfg.DumpDir, "dump-dir", "d", cfg.DumpDir, "directory for memory dumps")
	fs.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "concurrent dumps")
	secondsVar(fs, &cfg.ProgressInterval, "progress-interval", "dump progress poll interval")
	secondsVar(fs, &cfg.ShutdownTimeout, "shutdown-timeout", "wait for running dumps on shutdown")
	fs.BoolVar(&cfg.CompressDumps, "compress-dumps", cfg.CompressDumps, "gzip finished dumps")
	fs.Int64Var(&cfg.MaxDumpSize, "max-dump-size", cfg.MaxDumpSize, "largest raw dump in bytes that will be compressed")
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
		o.str(&cfg.Addr, fc.Address, "address")
		o.str(&cfg.Key, fc.Key, "key")
		o.str(&cfg.TrustedSubnet, fc.TrustedSubnet, "trusted-subnet")
		o.str(&cfg.DumpDir, fc.DumpDir, "dump-dir")
		o.int(&cfg.MaxParallel, fc.MaxParallel, "max-parallel")
		o.duration(&cfg.ProgressInterval, fc.ProgressInterval, "progress-interval")
		o.duration(&cfg.ShutdownTimeout, fc.ShutdownTimeout, "shutdown-timeout")
		o.bool(&cfg.CompressDumps, fc.CompressDumps, "compress-dumps")
		o.int64(&cfg.MaxDumpSize, fc.MaxDumpSize, "max-dump-size")
		errs = append(errs, o.errs...)
	}

	e := &env{}
	readServerEnvironment(e, cfg)
	errs = append(errs, e.errs...)

	if cfg.Influx.BacklogPath == "" {
		cfg.Influx.BacklogPath = filepath.Join(cfg.DumpDir, BacklogFile)
	}
	errs = append(errs, cfg.Influx.validate())
	if cfg.MaxDumpSize < 0 {
		errs = append(errs, fmt.Errorf("max dump size must not be negative, got %d", cfg.MaxDumpSize))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readServerEnvironment(e *env, cfg *ServerConfig) {
	e.libvirt(&cfg.Libvirt)
	e.influx(&cfg.Influx)
	e.batch(&cfg.Batch)
	e.log(&cfg.Log)
	e.str(&cfg.Addr, "ADDRESS")
	e.str(&cfg.Key, "KEY")
	e.str(&cfg.TrustedSubnet, "TRUSTED_SUBNET")
	e.str(&cfg.DumpDir, "DUMP_DIR")
	e.int(&cfg.MaxParallel, "MAX_PARALLEL_DUMPS")
	e.duration(&cfg.ProgressInterval, "PROGRESS_INTERVAL")
	e.duration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	e.bool(&cfg.CompressDumps, "DUMP_COMPRESS")
	e.int64(&cfg.MaxDumpSize, "MAX_DUMP_SIZE")
}
