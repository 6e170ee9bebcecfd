package readiness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

var testInfo = model.ConnInfo{Host: "127.0.0.1", Port: 1, Database: "db_acme", User: "user_acme"}

type countingProber struct {
	calls   atomic.Int32
	readyAt int32 // 0 never
}

func (p *countingProber) Probe(ctx context.Context, _ model.ConnInfo) error {
	n := p.calls.Add(1)
	if p.readyAt > 0 && n >= p.readyAt {
		return nil
	}
	return errors.New("connection refused")
}

type staticLogs struct {
	mu    sync.Mutex
	out   string
	calls int
}

func (l *staticLogs) ContainerLogs(context.Context, string, int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.out, nil
}

// fakeTimer fires immediately and records requested delays.
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *fakeTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// TestAwaitReady_NeverReachable checks the bounded attempt count and that
// polling sleeps between attempts but not after the last one.
func TestAwaitReady_NeverReachable(t *testing.T) {
	prober := &countingProber{}
	logs := &staticLogs{out: "FATAL: data directory has wrong ownership\n"}
	p := NewPoller(logs, prober, Options{Attempts: 3, Interval: 10 * time.Millisecond, ProbeTimeout: time.Second}, nil)

	start := time.Now()
	err := p.AwaitReady(context.Background(), "c1", testInfo)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotReadyInTime)
	assert.Equal(t, int32(3), prober.calls.Load())
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 3*10*time.Millisecond+time.Second, "no sleep after the final attempt")
	assert.Contains(t, err.Error(), "wrong ownership", "the log tail is embedded in the error")
	assert.Contains(t, err.Error(), "readiness")
}

func TestAwaitReady_ProbeSucceeds(t *testing.T) {
	prober := &countingProber{readyAt: 4}
	timer := &fakeTimer{}
	p := NewPoller(nil, prober, Options{Attempts: 10, Interval: time.Hour, Timer: timer}, nil)

	require.NoError(t, p.AwaitReady(context.Background(), "c1", testInfo))
	assert.Equal(t, int32(4), prober.calls.Load())
	assert.Equal(t, []time.Duration{time.Hour, time.Hour, time.Hour}, timer.delays)
}

// markerLogs shows the marker from the given call onwards.
type markerLogs struct {
	calls   atomic.Int32
	shownAt int32
}

func (l *markerLogs) ContainerLogs(context.Context, string, int) (string, error) {
	if l.calls.Add(1) >= l.shownAt {
		return "PostgreSQL init process complete; ready for start up.\n", nil
	}
	return "running bootstrap script ... ok\n", nil
}

func TestAwaitReady_LogMarkerGatesProbe(t *testing.T) {
	prober := &countingProber{readyAt: 1}
	logs := &markerLogs{shownAt: 3}
	p := NewPoller(logs, prober, Options{
		Attempts:  5,
		LogMarker: DefaultLogMarker,
		Timer:     &fakeTimer{},
	}, nil)

	require.NoError(t, p.AwaitReady(context.Background(), "c1", testInfo))
	assert.Equal(t, int32(3), logs.calls.Load())
	assert.Equal(t, int32(1), prober.calls.Load(), "the probe runs only once the marker is seen")
}

func TestAwaitReady_LogMarkerAloneIsNotReady(t *testing.T) {
	prober := &countingProber{}
	logs := &staticLogs{out: DefaultLogMarker + "\n"}
	p := NewPoller(logs, prober, Options{Attempts: 2, LogMarker: DefaultLogMarker, Timer: &fakeTimer{}}, nil)

	err := p.AwaitReady(context.Background(), "c1", testInfo)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotReadyInTime)
	assert.Equal(t, int32(2), prober.calls.Load())
}

func TestAwaitReady_MarkerNeverSeen(t *testing.T) {
	prober := &countingProber{readyAt: 1}
	logs := &staticLogs{out: "initdb: error: could not create directory\n"}
	p := NewPoller(logs, prober, Options{Attempts: 3, LogMarker: DefaultLogMarker, Timer: &fakeTimer{}}, nil)

	err := p.AwaitReady(context.Background(), "c1", testInfo)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotReadyInTime)
	assert.Zero(t, prober.calls.Load())
	assert.Contains(t, err.Error(), "could not create directory")
}

type failingLogs struct{}

func (failingLogs) ContainerLogs(context.Context, string, int) (string, error) {
	return "", errors.New("no such container")
}

func TestAwaitReady_UnreadableLogsFallBackToProbe(t *testing.T) {
	prober := &countingProber{readyAt: 1}
	p := NewPoller(failingLogs{}, prober, Options{Attempts: 2, LogMarker: DefaultLogMarker, Timer: &fakeTimer{}}, nil)

	require.NoError(t, p.AwaitReady(context.Background(), "c1", testInfo))
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestAwaitReady_ContextCancelled(t *testing.T) {
	prober := &countingProber{}
	p := NewPoller(nil, prober, Options{Attempts: 1000, Interval: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.AwaitReady(ctx, "c1", testInfo)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotReadyInTime)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Less(t, prober.calls.Load(), int32(1000))
}

func TestAwaitReady_ProbeTimeoutBoundsAttempt(t *testing.T) {
	hang := ProberFunc(func(ctx context.Context, _ model.ConnInfo) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewPoller(nil, hang, Options{Attempts: 2, Interval: time.Millisecond, ProbeTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	err := p.AwaitReady(context.Background(), "", testInfo)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOptions_Defaults(t *testing.T) {
	p := NewPoller(nil, nil, Options{}, nil)
	o := p.Options()
	assert.Equal(t, DefaultAttempts, o.Attempts)
	assert.Equal(t, DefaultInterval, o.Interval)
	assert.Equal(t, DefaultProbeTimeout, o.ProbeTimeout)
	assert.Equal(t, DefaultLogTail, o.LogTail)
	assert.IsType(t, PgxProber{}, p.prober)
}

func TestAwaitReady_RecordsAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := NewPoller(nil, &countingProber{readyAt: 2}, Options{Attempts: 5, Timer: &fakeTimer{}}, m)

	require.NoError(t, p.AwaitReady(context.Background(), "c1", testInfo))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReadinessAttempts))
}
