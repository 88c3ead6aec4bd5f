package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk layout. JSON files parse as YAML.
type fileConfig struct {
	Address       *string `yaml:"address"`
	MetricsAddr   *string `yaml:"metrics_address"`
	Key           *string `yaml:"key"`
	TrustedSubnet *string `yaml:"trusted_subnet"`

	PollInterval   *string `yaml:"poll_interval"`
	DeviceCacheTTL *string `yaml:"device_cache_ttl"`
	StateDir       *string `yaml:"state_dir"`

	DumpDir          *string `yaml:"dump_dir"`
	MaxParallel      *int    `yaml:"max_parallel_dumps"`
	ProgressInterval *string `yaml:"progress_interval"`
	ShutdownTimeout  *string `yaml:"shutdown_timeout"`
	CompressDumps    *bool   `yaml:"compress_dumps"`
	MaxDumpSize      *int64  `yaml:"max_dump_size"`

	Libvirt struct {
		URI     *string `yaml:"uri"`
		Timeout *string `yaml:"timeout"`
	} `yaml:"libvirt"`

	Influx struct {
		URL         *string `yaml:"url"`
		Database    *string `yaml:"database"`
		Token       *string `yaml:"token"`
		Org         *string `yaml:"org"`
		Bucket      *string `yaml:"bucket"`
		Timeout     *string `yaml:"timeout"`
		Gzip        *bool   `yaml:"gzip"`
		BacklogPath *string `yaml:"backlog_path"`
	} `yaml:"influx"`

	Batch struct {
		MaxLines      *int    `yaml:"max_lines"`
		MaxInterval   *string `yaml:"max_interval"`
		QueueCapacity *int    `yaml:"queue_capacity"`
	} `yaml:"batch"`

	Log struct {
		Level *string `yaml:"level"`
		File  *string `yaml:"file"`
	} `yaml:"log"`
}

func loadFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// overlay copies file values into the config for flags the user did not set.
type overlay struct {
	fs   *pflag.FlagSet
	errs []error
}

func (o *overlay) str(dst *string, src *string, flag string) {
	if src != nil && !o.fs.Changed(flag) {
		*dst = *src
	}
}

func (o *overlay) int(dst *int, src *int, flag string) {
	if src != nil && !o.fs.Changed(flag) {
		*dst = *src
	}
}

func (o *overlay) int64(dst *int64, src *int64, flag string) {
	if src != nil && !o.fs.Changed(flag) {
		*dst = *src
	}
}

func (o *overlay) bool(dst *bool, src *bool, flag string) {
	if src != nil && !o.fs.Changed(flag) {
		*dst = *src
	}
}

func (o *overlay) duration(dst *time.Duration, src *string, flag string) {
	if src == nil || o.fs.Changed(flag) {
		return
	}
	d, err := ParseSeconds(*src)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("config %s: %w", flag, err))
		return
	}
	*dst = d
}

func (o *overlay) common(fc *fileConfig, lv *LibvirtConfig, in *InfluxConfig, b *BatchConfig, l *LogConfig) {
	o.str(&lv.URI, fc.Libvirt.URI, "libvirt-uri")
	o.duration(&lv.Timeout, fc.Libvirt.Timeout, "libvirt-timeout")

	o.str(&in.URL, fc.Influx.URL, "influx-url")
	o.str(&in.Database, fc.Influx.Database, "influx-db")
	o.str(&in.Token, fc.Influx.Token, "influx-token")
	o.str(&in.Org, fc.Influx.Org, "influx-org")
	o.str(&in.Bucket, fc.Influx.Bucket, "influx-bucket")
	o.duration(&in.Timeout, fc.Influx.Timeout, "influx-timeout")
	o.bool(&in.Gzip, fc.Influx.Gzip, "influx-gzip")
	o.str(&in.BacklogPath, fc.Influx.BacklogPath, "backlog")

	o.int(&b.MaxLines, fc.Batch.MaxLines, "batch-max-lines")
	o.duration(&b.MaxInterval, fc.Batch.MaxInterval, "batch-max-sec")
	o.int(&b.QueueCapacity, fc.Batch.QueueCapacity, "queue-capacity")

	o.str(&l.Level, fc.Log.Level, "log-level")
	o.str(&l.File, fc.Log.File, "log-file")
}
