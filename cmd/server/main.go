// Command server runs live memory dumps on request and reports their status.
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
	"github.com/and161185/vmstats/internal/config"
	"github.com/and161185/vmstats/internal/jobs"
	"github.com/and161185/vmstats/internal/logger"
	"github.com/and161185/vmstats/internal/monitoring"
	"github.com/and161185/vmstats/internal/server"
	"github.com/and161185/vmstats/internal/sink"
	"github.com/and161185/vmstats/internal/source"
	"github.com/and161185/vmstats/internal/writer"
	"github.com/and161185/vmstats/storage/backlog"
	"github.com/and161185/vmstats/storage/inmemory"
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

	cfg, err := config.NewServerConfig(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	lg.Infow("vmstats server starting", info.Fields()...)
	lg.Infow("server config",
		"addr", cfg.Addr,
		"libvirt_uri", cfg.Libvirt.URI,
		"dump_dir", cfg.DumpDir,
		"max_parallel", cfg.MaxParallel,
		"compress_dumps", cfg.CompressDumps,
		"influx_url", cfg.Influx.URL,
		"backlog", cfg.Influx.BacklogPath,
		"key_set", cfg.Key != "",
		"trusted_subnet", cfg.TrustedSubnet,
	)

	if err := os.MkdirAll(cfg.DumpDir, 0o700); err != nil {
		return fmt.Errorf("dump dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Influx.BacklogPath), 0o700); err != nil {
		return fmt.Errorf("backlog dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(reg)

	sk, err := sink.New(sink.Config{
		URL:             cfg.Influx.URL,
		Database:        cfg.Influx.Database,
		Token:           cfg.Influx.Token,
		Org:             cfg.Influx.Org,
		Bucket:          cfg.Influx.Bucket,
		Timeout:         cfg.Influx.Timeout,
		Gzip:            cfg.Influx.Gzip,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	}, nil, backlog.New(cfg.Influx.BacklogPath), lg, metrics)
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

	host, err := os.Hostname()
	if err != nil {
		lg.Warnw("hostname unavailable", "error", err)
	}
	sched := jobs.New(jobs.Config{
		DumpDir:          cfg.DumpDir,
		MaxParallel:      cfg.MaxParallel,
		ProgressInterval: cfg.ProgressInterval,
		Host:             host,
		Compress:         cfg.CompressDumps,
		MaxDumpSize:      cfg.MaxDumpSize,
	}, inmemory.NewMemStorage(), src,
		jobs.WithInspector(src),
		jobs.WithPointWriter(w),
		jobs.WithLogger(lg),
		jobs.WithMetrics(metrics),
	)

	srv := server.NewServer(server.Config{
		Addr:            cfg.Addr,
		Key:             cfg.Key,
		TrustedSubnet:   cfg.TrustedSubnet,
		ShutdownTimeout: 5 * time.Second,
	}, sched, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), lg)

	// summary points of dumps finishing during shutdown still reach the writer
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.Run(writerCtx); err != nil {
			lg.Errorw("writer stopped with loss", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopWriter()
		err := srv.Run(gctx)

		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if werr := sched.Wait(waitCtx); werr != nil {
			lg.Warnw("dumps still running at shutdown", "timeout", cfg.ShutdownTimeout)
		}
		return err
	})

	err = g.Wait()
	lg.Infow("vmstats server stopped")
	return err
}
