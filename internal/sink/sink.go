// Package sink delivers line protocol batches to InfluxDB.
//
// A batch is posted to the v3 write_lp endpoint first. If that fails it is posted once
// to the v2 compatible endpoint, and if that also fails every record goes to the backlog.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/vmstats/internal/monitoring"
	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	maxErrBody     = 256
	defaultTimeout = 10 * time.Second
)

// ErrNoBacklog is returned by New without a backlog: a batch both endpoints refuse
// would have nowhere to go.
var ErrNoBacklog = errors.New("sink: backlog is required")

// Backlog stores batches that could not be delivered.
type Backlog interface {
	Append(reason string, records []string) error
}

// Config describes the InfluxDB endpoints.
type Config struct {
	URL      string
	Database string
	Token    string
	Org      string
	Bucket   string
	Timeout  time.Duration
	Gzip     bool

	// BreakerFailures consecutive v3 failures open the breaker for BreakerCooldown.
	// Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Sink implements writer.Sink.
type Sink struct {
	cfg     Config
	client  *http.Client
	backlog Backlog
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	metrics *monitoring.Metrics

	primaryURL   string
	secondaryURL string
}

// New builds a Sink. A nil client gets one with cfg.Timeout, which defaults to 10s
// when not positive.
func New(cfg Config, client *http.Client, backlog Backlog, logger *zap.SugaredLogger, metrics *monitoring.Metrics) (*Sink, error) {
	if backlog == nil {
		return nil, ErrNoBacklog
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Bucket == "" {
		cfg.Bucket = cfg.Database
	}

	base := strings.TrimRight(cfg.URL, "/")
	s := &Sink{
		cfg:     cfg,
		client:  client,
		backlog: backlog,
		logger:  logger,
		metrics: metrics,
		primaryURL: base + "/api/v3/write_lp?" + url.Values{
			"db":        {cfg.Database},
			"precision": {"ns"},
		}.Encode(),
		secondaryURL: base + "/api/v2/write?" + url.Values{
			"org":       {cfg.Org},
			"bucket":    {cfg.Bucket},
			"precision": {"ns"},
		}.Encode(),
	}

	if cfg.BreakerFailures > 0 {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "influx-v3",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warnw("write breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return s, nil
}

// Deliver resolves one batch: delivered, delivered by fallback, or written to the backlog.
// It never returns an error; a failed backlog write is logged.
func (s *Sink) Deliver(ctx context.Context, batch []string) {
	if len(batch) == 0 {
		return
	}
	body := []byte(strings.Join(batch, "\n"))

	errV3 := s.primary(ctx, body)
	if errV3 == nil {
		s.metrics.IncDelivery(monitoring.OutcomePrimary)
		s.logger.Debugw("influx v3 write ok", "records", len(batch))
		return
	}
	s.logger.Warnw("influx v3 write failed, trying v2", "records", len(batch), "error", errV3)

	errV2 := s.post(ctx, "v2", s.secondaryURL, "Token", body)
	if errV2 == nil {
		s.metrics.IncDelivery(monitoring.OutcomeFallback)
		s.logger.Infow("influx v2 fallback write ok", "records", len(batch))
		return
	}

	reason := fmt.Sprintf("v3: %s ; v2: %s", firstLine(errV3), firstLine(errV2))
	s.logger.Errorw("influx v3 and v2 writes failed, writing to backlog", "records", len(batch), "reason", reason)

	if err := s.backlog.Append(reason, batch); err != nil {
		s.metrics.IncDelivery(monitoring.OutcomeLost)
		s.logger.Errorw("backlog write failed, batch lost", "records", len(batch), "error", err)
		return
	}
	s.metrics.IncDelivery(monitoring.OutcomeBacklog)
}

// Ping checks that the store answers on /ping.
func (s *Sink) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.cfg.URL, "/")+"/ping", nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBody))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ping: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sink) primary(ctx context.Context, body []byte) error {
	if s.breaker == nil {
		return s.post(ctx, "v3", s.primaryURL, "Bearer", body)
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, "v3", s.primaryURL, "Bearer", body)
	})
	return err
}

func (s *Sink) post(ctx context.Context, protocol, target, scheme string, body []byte) error {
	start := time.Now()
	defer func() { s.metrics.ObserveRequest(protocol, time.Since(start)) }()

	payload, encoding, err := s.encode(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", scheme+" "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s write: %w", protocol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &StatusError{Protocol: protocol, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) encode(body []byte) ([]byte, string, error) {
	if !s.cfg.Gzip {
		return body, "", nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, "", fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}

// StatusError is a non-2xx answer from InfluxDB.
type StatusError struct {
	Protocol string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s write failed: %d", e.Protocol, e.Code)
	}
	return fmt.Sprintf("%s write failed: %d %s", e.Protocol, e.Code, e.Body)
}

func firstLine(err error) string {
	msg := err.Error()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		msg = "breaker: " + msg
	}
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
