// Package config builds the agent and server configuration.
//
// Values are layered: defaults, then command-line flags, then the config file for every flag
// that was not set, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// LibvirtConfig selects the hypervisor connection.
type LibvirtConfig struct {
	URI     string
	Timeout time.Duration
}

// InfluxConfig describes the time-series store.
type InfluxConfig struct {
	URL         string
	Database    string
	Token       string
	Org         string
	Bucket      string
	Timeout     time.Duration
	Gzip        bool
	BacklogPath string
}

// BatchConfig controls the write queue.
type BatchConfig struct {
	MaxLines      int
	MaxInterval   time.Duration
	QueueCapacity int
}

// LogConfig controls the logger.
type LogConfig struct {
	Level string
	File  string
}

// validate rejects values the sink cannot run with. A zero timeout would let one hung
// write stall the writer loop while the queue evicts.
func (c InfluxConfig) validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("influx timeout must be positive, got %s", c.Timeout))
	}
	if c.BacklogPath == "" {
		errs = append(errs, errors.New("influx backlog path must not be empty"))
	}
	return errors.Join(errs...)
}

func defaultLibvirt() LibvirtConfig {
	return LibvirtConfig{URI: "qemu:///system", Timeout: 30 * time.Second}
}

func defaultInflux() InfluxConfig {
	return InfluxConfig{
		URL:      "http://127.0.0.1:8181",
		Database: "vmstats",
		Org:      "influxdata",
		Bucket:   "vmstats",
		Timeout:  10 * time.Second,
	}
}

func defaultBatch() BatchConfig {
	return BatchConfig{MaxLines: 2000, MaxInterval: time.Second, QueueCapacity: 20000}
}

// ParseSeconds accepts a Go duration ("500ms") or a number of seconds ("1.5").
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// seconds is a pflag.Value for durations given as Go syntax or float seconds.
type seconds struct {
	d *time.Duration
}

func (s seconds) String() string {
	if s.d == nil {
		return ""
	}
	return s.d.String()
}

func (s seconds) Set(v string) error {
	d, err := ParseSeconds(v)
	if err != nil {
		return err
	}
	*s.d = d
	return nil
}

func (s seconds) Type() string { return "duration" }

func secondsVar(fs *pflag.FlagSet, d *time.Duration, name, usage string) {
	fs.Var(seconds{d: d}, name, usage)
}

// env collects environment overrides and their parse errors.
type env struct {
	errs []error
}

func (e *env) str(dst *string, keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			*dst = v
			return
		}
	}
}

func (e *env) int(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s env var: %w", key, err))
		return
	}
	*dst = n
}

func (e *env) int64(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s env var: %w", key, err))
		return
	}
	*dst = n
}

func (e *env) bool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s env var: %w", key, err))
		return
	}
	*dst = b
}

func (e *env) duration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := ParseSeconds(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s env var: %w", key, err))
		return
	}
	*dst = d
}

func (e *env) libvirt(c *LibvirtConfig) {
	e.str(&c.URI, "LIBVIRT_URI")
	e.duration(&c.Timeout, "LIBVIRT_TIMEOUT")
}

func (e *env) influx(c *InfluxConfig) {
	e.str(&c.URL, "INFLUX_URL", "INFLUX_HOST")
	e.str(&c.Database, "INFLUX_DB", "INFLUX_DATABASE")
	e.str(&c.Token, "INFLUX_TOKEN")
	e.str(&c.Org, "INFLUX_ORG")
	e.str(&c.Bucket, "INFLUX_BUCKET")
	e.duration(&c.Timeout, "INFLUX_TIMEOUT_S")
	e.bool(&c.Gzip, "INFLUX_GZIP")
	e.str(&c.BacklogPath, "INFLUX_BACKLOG_PATH")
}

func (e *env) batch(c *BatchConfig) {
	e.int(&c.MaxLines, "BATCH_MAX_LINES")
	e.duration(&c.MaxInterval, "BATCH_MAX_SEC")
	e.int(&c.QueueCapacity, "QUEUE_CAPACITY")
}

func (e *env) log(c *LogConfig) {
	e.str(&c.Level, "LOG_LEVEL")
	e.str(&c.File, "LOG_FILE")
}

func commonFlags(fs *pflag.FlagSet, lv *LibvirtConfig, in *InfluxConfig, b *BatchConfig, l *LogConfig, configPath *string) {
	fs.StringVarP(configPath, "config", "c", "", "path to YAML or JSON config file")

	fs.StringVar(&lv.URI, "libvirt-uri", lv.URI, "libvirt connection URI")
	secondsVar(fs, &lv.Timeout, "libvirt-timeout", "libvirt dial timeout")

	fs.StringVar(&in.URL, "influx-url", in.URL, "InfluxDB base URL")
	fs.StringVar(&in.Database, "influx-db", in.Database, "InfluxDB database")
	fs.StringVar(&in.Token, "influx-token", in.Token, "InfluxDB token")
	fs.StringVar(&in.Org, "influx-org", in.Org, "InfluxDB v2 organisation")
	fs.StringVar(&in.Bucket, "influx-bucket", in.Bucket, "InfluxDB v2 bucket")
	secondsVar(fs, &in.Timeout, "influx-timeout", "InfluxDB request timeout")
	fs.BoolVar(&in.Gzip, "influx-gzip", in.Gzip, "gzip write bodies")
	fs.StringVar(&in.BacklogPath, "backlog", in.BacklogPath, "backlog file for undeliverable records")

	fs.IntVar(&b.MaxLines, "batch-max-lines", b.MaxLines, "records per write")
	secondsVar(fs, &b.MaxInterval, "batch-max-sec", "max time between writes")
	fs.IntVar(&b.QueueCapacity, "queue-capacity", b.QueueCapacity, "write queue capacity")

	fs.StringVar(&l.Level, "log-level", l.Level, "log level")
	fs.StringVar(&l.File, "log-file", l.File, "additional log file")
}

func parse(fs *pflag.FlagSet, args []string, configPath *string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG")
	}
	return nil
}
