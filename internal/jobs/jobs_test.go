package jobs

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCheckpointer struct {
	calls atomic.Int64
}

func (f *fakeCheckpointer) CheckpointAll(context.Context) {
	f.calls.Add(1)
}

type fakeSweeper struct {
	calls atomic.Int64
	n     int
}

func (f *fakeSweeper) SweepIdle() int {
	f.calls.Add(1)
	return f.n
}

func testConfig() Config {
	return Config{
		AnchorFlushSpec:  "@every 30s",
		SessionSweepSpec: "@every 60s",
		AuditTrimSpec:    "@daily",
		AuditRetention:   30 * 24 * time.Hour,
	}
}

func TestNewRunnerRejectsInvalidSpec(t *testing.T) {
	cfg := testConfig()
	cfg.AnchorFlushSpec = "not a cron spec"

	_, err := NewRunner(cfg, &fakeCheckpointer{}, &fakeSweeper{}, nil, nil, newTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anchor flush spec")
}

func TestNewRunnerSkipsNilDependencies(t *testing.T) {
	r, err := NewRunner(testConfig(), nil, nil, nil, nil, newTestLogger())
	require.NoError(t, err)
	assert.Empty(t, r.cron.Entries())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r, err := NewRunner(testConfig(), &fakeCheckpointer{}, &fakeSweeper{}, nil, nil, newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestFlushAnchors(t *testing.T) {
	cp := &fakeCheckpointer{}
	r, err := NewRunner(testConfig(), cp, nil, nil, nil, newTestLogger())
	require.NoError(t, err)

	r.flushAnchors()
	assert.Equal(t, int64(1), cp.calls.Load())
}

func TestSweepSessions(t *testing.T) {
	sw := &fakeSweeper{n: 3}
	r, err := NewRunner(testConfig(), nil, sw, nil, nil, newTestLogger())
	require.NoError(t, err)

	r.sweepSessions()
	assert.Equal(t, int64(1), sw.calls.Load())
}

func TestTrimAudit(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	audit := repository.NewFakeAuditRepository()

	old := &models.SessionAudit{SessionID: "old", ChannelNumber: 12}
	old.CreatedAt = fc.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, audit.RecordSession(context.Background(), old))

	fresh := &models.SessionAudit{SessionID: "fresh", ChannelNumber: 12}
	fresh.CreatedAt = fc.Now().Add(-time.Hour)
	require.NoError(t, audit.RecordSession(context.Background(), fresh))

	r, err := NewRunner(testConfig(), nil, nil, audit, fc, newTestLogger())
	require.NoError(t, err)

	r.trimAudit()

	require.Len(t, audit.Sessions, 1)
	assert.Equal(t, "fresh", audit.Sessions[0].SessionID)
}
