// Command agent samples libvirt domain counters and writes them to InfluxDB.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/and161185/vmstats/internal/buildinfo"
	"github.com/and161185/vmstats/internal/collector"
	"github.com/and161185/vmstats/internal/config"
	"github.com/and161185/vmstats/internal/control"
	"github.com/and161185/vmstats/internal/logger"
	"github.com/and161185/vmstats/internal/monitoring"
	"github.com/and161185/vmstats/internal/server"
	"github.com/and161185/vmstats/internal/sink"
	"github.com/and161185/vmstats/internal/source"
	"github.com/and161185/vmstats/internal/writer"
	"github.com/and161185/vmstats/storage/backlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string) error {
	info := buildinfo.Info{Version: buildVersion, Date: buildDate, Commit: buildCommit}

	cfg, err := config.NewAgentConfig(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	lg.Infow("vmstats agent starting", info.Fields()...)
	lg.Infow("agent config",
		"libvirt_uri", cfg.Libvirt.URI,
		"influx_url", cfg.Influx.URL,
		"influx_db", cfg.Influx.Database,
		"poll_interval", cfg.PollInterval,
		"batch_max_lines", cfg.Batch.MaxLines,
		"batch_max_interval", cfg.Batch.MaxInterval,
		"backlog", cfg.Influx.BacklogPath,
		"metrics_address", cfg.MetricsAddr,
	)
	if cfg.Influx.Token == "" {
		lg.Warnw("INFLUX_TOKEN is not set, writes are unauthenticated")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(reg)

	if err := os.MkdirAll(filepath.Dir(cfg.Influx.BacklogPath), 0o700); err != nil {
		return fmt.Errorf("backlog dir: %w", err)
	}
	sk, err := sink.New(sinkConfig(cfg.Influx), nil, backlog.New(cfg.Influx.BacklogPath), lg, metrics)
	if err != nil {
		return err
	}
	w := writer.New(writer.Config{
		QueueCapacity:    cfg.Batch.QueueCapacity,
		MaxBatchSize:     cfg.Batch.MaxLines,
		MaxBatchInterval: cfg.Batch.MaxInterval,
	}, sk, lg, metrics)

	src, err := source.Dial(ctx, cfg.Libvirt.URI, cfg.Libvirt.Timeout, lg)
	if err != nil {
		return err
	}
	defer src.Close()

	coll := collector.New(collector.Config{
		PollInterval:   cfg.PollInterval,
		DeviceCacheTTL: cfg.DeviceCacheTTL,
	}, src, w, lg, metrics)

	// the writer outlives the collector so the last cycle is flushed
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	ctl := control.New(gctx, control.Deps{
		Loop:   coll,
		Lister: src,
		Queue:  w,
		Pinger: sk,
		Bulk:   src.Bulk(),
		Config: cfg.Safe(),
	}, lg)

	g.Go(func() error {
		if err := w.Run(writerCtx); err != nil {
			lg.Errorw("writer stopped with loss", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopWriter()
		ctl.Start()
		<-gctx.Done()
		// a loop stopped over HTTP is already done, a running one ends with gctx
		ctl.Wait()
		return nil
	})
	if cfg.MetricsAddr != "" {
		ms := server.NewServer(server.Config{Addr: cfg.MetricsAddr, ShutdownTimeout: 5 * time.Second}, nil,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), lg)
		ms.Telemetry = ctl
		g.Go(func() error { return ms.Run(gctx) })
	}

	err = g.Wait()
	lg.Infow("vmstats agent stopped")
	return err
}

func sinkConfig(c config.InfluxConfig) sink.Config {
	return sink.Config{
		URL:             c.URL,
		Database:        c.Database,
		Token:           c.Token,
		Org:             c.Org,
		Bucket:          c.Bucket,
		Timeout:         c.Timeout,
		Gzip:            c.Gzip,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}
