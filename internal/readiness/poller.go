// Package readiness blocks until a freshly started tenant database accepts
// connections.
//
// Polling is always bounded: a Poller makes at most Options.Attempts
// attempts, sleeping Options.Interval between them, and gives up early when
// the caller's context ends.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

const (
	DefaultAttempts     = 60
	DefaultInterval     = 5 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	DefaultLogTail      = 50

	// DefaultLogMarker is printed by the postgres image entrypoint once
	// initdb has finished and the real server is about to start.
	DefaultLogMarker = "PostgreSQL init process complete; ready for start up."
)

// LogSource returns recent container output. docker.Runtime satisfies it.
type LogSource interface {
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
}

// Prober checks whether a database accepts connections.
type Prober interface {
	Probe(ctx context.Context, info model.ConnInfo) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, info model.ConnInfo) error

func (f ProberFunc) Probe(ctx context.Context, info model.ConnInfo) error {
	return f(ctx, info)
}

// PgxProber connects with a single pgx connection and pings.
type PgxProber struct{}

func (PgxProber) Probe(ctx context.Context, info model.ConnInfo) error {
	conn, err := pgx.Connect(ctx, info.DSN())
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return conn.Ping(ctx)
}

// Options configures a Poller. Zero values take the package defaults.
type Options struct {
	Attempts     int
	Interval     time.Duration
	ProbeTimeout time.Duration

	// LogMarker, when non-empty, must appear in the log tail before an
	// attempt probes the database. An empty marker probes every attempt.
	LogMarker string
	LogTail   int

	// Timer replaces the wall clock between attempts.
	Timer retry.Timer
}

func (o Options) withDefaults() Options {
	if o.Attempts < 1 {
		o.Attempts = DefaultAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.LogTail <= 0 {
		o.LogTail = DefaultLogTail
	}
	return o
}

// Poller waits for tenant databases to become ready.
type Poller struct {
	logs    LogSource
	prober  Prober
	opts    Options
	metrics *metrics.Metrics
}

// NewPoller creates a Poller. logs may be nil, which disables the log
// marker check; a nil prober uses PgxProber.
func NewPoller(logs LogSource, prober Prober, opts Options, m *metrics.Metrics) *Poller {
	if prober == nil {
		prober = PgxProber{}
	}
	return &Poller{logs: logs, prober: prober, opts: opts.withDefaults(), metrics: m}
}

// Options returns the effective options.
func (p *Poller) Options() Options {
	return p.opts
}

// AwaitReady polls until the container's database accepts connections.
//
// Each attempt first looks for the log marker in the container's recent
// output, then probes info with a connect and ping. Until the marker shows
// up the probe is skipped; when the logs cannot be read the probe runs
// anyway. It returns nil on the first successful probe. After the last failed attempt, or when ctx
// ends, it returns an error of kind model.ErrNotReadyInTime that carries
// the container's log tail.
func (p *Poller) AwaitReady(ctx context.Context, containerID string, info model.ConnInfo) error {
	logger := log.Ctx(ctx).With().Str("container", containerID).Str("db", info.Database).Logger()
	start := time.Now()
	attempts := 0

	opts := []retry.Option{
		retry.Attempts(uint(p.opts.Attempts)),
		retry.Delay(p.opts.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug().Uint("attempt", n+1).Err(err).Msg("database not ready yet")
		}),
	}
	if p.opts.Timer != nil {
		opts = append(opts, retry.WithTimer(p.opts.Timer))
	}

	err := retry.Do(func() error {
		attempts++
		return p.attempt(ctx, containerID, info)
	}, opts...)
	p.metrics.RecordReadiness(attempts)

	if err == nil {
		logger.Info().Int("attempts", attempts).Dur("elapsed", time.Since(start)).Msg("database is ready")
		return nil
	}

	msg := fmt.Sprintf("database did not accept connections after %d attempt(s) in %s",
		attempts, time.Since(start).Round(time.Millisecond))
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg = fmt.Sprintf("readiness polling abandoned after %d attempt(s)", attempts)
		err = ctxErr
	}
	if tail := p.fullTail(ctx, containerID); tail != "" {
		msg += "; container log tail:\n" + tail
	}
	return model.WrapError(model.ExitNotReadyInTime, msg, err).WithTenant("", "readiness")
}

// errMarkerNotSeen fails an attempt whose log tail lacks the marker.
var errMarkerNotSeen = errors.New("log marker not seen yet")

// attempt runs one readiness check.
func (p *Poller) attempt(ctx context.Context, containerID string, info model.ConnInfo) error {
	if p.logs != nil && p.opts.LogMarker != "" && containerID != "" {
		out, err := p.logs.ContainerLogs(ctx, containerID, p.opts.LogTail)
		if err == nil && !strings.Contains(out, p.opts.LogMarker) {
			return errMarkerNotSeen
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()
	if err := p.prober.Probe(probeCtx, info); err != nil {
		return err
	}
	return nil
}

// fullTail fetches the log tail for an error report. It uses a fresh
// context because the caller's may already be done.
func (p *Poller) fullTail(ctx context.Context, containerID string) string {
	if p.logs == nil || containerID == "" {
		return ""
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ProbeTimeout)
	defer cancel()
	out, err := p.logs.ContainerLogs(tctx, containerID, p.opts.LogTail)
	if err != nil {
		return ""
	}
	return strings.TrimRight(out, "\n")
}
