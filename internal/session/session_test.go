package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(cfg Config) (*Manager, *clock.Fake, *repository.FakeAuditRepository, *observability.Metrics) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg.Clock = fake
	audit := repository.NewFakeAuditRepository()
	metrics := observability.NewMetrics()
	mgr := New(cfg, newTestLogger(), metrics, audit)
	return mgr, fake, audit, metrics
}

func testChannel(number int) *models.Channel {
	return &models.Channel{
		BaseModel: models.BaseModel{ID: models.NewULID()},
		Number:    number,
		Name:      fmt.Sprintf("Channel %d", number),
	}
}

func TestOpenAssignsSession(t *testing.T) {
	mgr, fake, _, metrics := newTestManager(Config{})

	snap, err := mgr.Open(testChannel(5), "10.0.0.9:52114", "VLC/3.0.20")
	require.NoError(t, err)

	_, err = uuid.Parse(snap.ID)
	require.NoError(t, err, "session ids are UUIDs")
	assert.Equal(t, 5, snap.ChannelNumber)
	assert.Equal(t, "10.0.0.9:52114", snap.ClientAddr)
	assert.Equal(t, "VLC/3.0.20", snap.UserAgent)
	assert.Equal(t, StateCreated, snap.State)
	assert.Equal(t, fake.Now(), snap.CreatedAt)
	assert.Equal(t, fake.Now(), snap.LastActivity)
	assert.Zero(t, snap.BytesSent)

	st := mgr.Stats()
	assert.Equal(t, 1, st.Open)
	assert.Equal(t, uint64(1), st.Opened)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionOpen))
}

func TestPerChannelCap(t *testing.T) {
	mgr, _, _, _ := newTestManager(Config{MaxPerChannel: 3})
	ch := testChannel(5)

	var last Snapshot
	for i := 0; i < 3; i++ {
		snap, err := mgr.Open(ch, fmt.Sprintf("10.0.0.%d:1000", i), "test")
		require.NoError(t, err)
		last = snap
	}

	_, err := mgr.Open(ch, "10.0.0.99:1000", "test")
	require.ErrorIs(t, err, ErrPerChannelCap)

	// The cap is per channel, not global.
	_, err = mgr.Open(testChannel(7), "10.0.0.50:1000", "test")
	require.NoError(t, err)

	// Freeing a slot lets the channel accept again.
	mgr.Close(last.ID, ReasonClientGone)
	_, err = mgr.Open(ch, "10.0.0.99:1000", "test")
	require.NoError(t, err)
}

func TestConcurrentOpenRespectsCap(t *testing.T) {
	mgr, _, _, _ := newTestManager(Config{MaxPerChannel: 5})
	ch := testChannel(9)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mgr.Open(ch, fmt.Sprintf("10.1.0.%d:2000", i), "test")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	opened := 0
	for err := range results {
		if err == nil {
			opened++
		} else {
			require.ErrorIs(t, err, ErrPerChannelCap)
		}
	}
	assert.Equal(t, 5, opened)
	assert.Equal(t, 5, mgr.Stats().Open)
}

func TestRecordBytes(t *testing.T) {
	mgr, fake, _, _ := newTestManager(Config{})
	snap, err := mgr.Open(testChannel(5), "10.0.0.9:52114", "test")
	require.NoError(t, err)

	fake.Advance(10 * time.Second)
	mgr.RecordBytes(snap.ID, 188)
	mgr.RecordBytes(snap.ID, 376)
	mgr.RecordBytes(snap.ID, 0)
	mgr.RecordBytes("not-a-session", 188)

	list := mgr.ListByChannel(5)
	require.Len(t, list, 1)
	assert.Equal(t, StateActive, list[0].State)
	assert.Equal(t, int64(564), list[0].BytesSent)
	assert.Equal(t, fake.Now(), list[0].LastActivity)
}

func TestErrorCapForcesClose(t *testing.T) {
	mgr, _, audit, metrics := newTestManager(Config{MaxErrors: 3})
	snap, err := mgr.Open(testChannel(5), "10.0.0.9:52114", "test")
	require.NoError(t, err)

	mgr.RecordError(snap.ID, errors.New("write: broken pipe"))
	mgr.RecordError(snap.ID, nil)
	mgr.RecordError(snap.ID, errors.New("write: broken pipe"))

	list := mgr.ListByChannel(5)
	require.Len(t, list, 1)
	assert.Equal(t, StateError, list[0].State)
	assert.Equal(t, 2, list[0].ErrorCount)
	assert.Equal(t, "write: broken pipe", list[0].LastError)

	mgr.RecordError(snap.ID, errors.New("write: connection reset"))

	assert.Empty(t, mgr.ListByChannel(5))
	assert.Zero(t, mgr.Stats().Open)

	require.Len(t, audit.Sessions, 1)
	row := audit.Sessions[0]
	assert.Equal(t, snap.ID, row.SessionID)
	assert.Equal(t, string(ReasonErrors), row.CloseReason)
	assert.Equal(t, 3, row.ErrorCount)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.SessionsClosed.WithLabelValues(string(ReasonErrors))))
}

func TestCloseIsIdempotent(t *testing.T) {
	mgr, fake, audit, metrics := newTestManager(Config{})
	ch := testChannel(5)
	snap, err := mgr.Open(ch, "10.0.0.9:52114", "kodi/21")
	require.NoError(t, err)
	mgr.RecordBytes(snap.ID, 1880)
	fake.Advance(42 * time.Second)

	mgr.Close(snap.ID, ReasonClientGone)
	mgr.Close(snap.ID, ReasonClientGone)
	mgr.Close("never-existed", ReasonClientGone)

	st := mgr.Stats()
	assert.Zero(t, st.Open)
	assert.Equal(t, uint64(1), st.Closed)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SessionOpen))

	require.Len(t, audit.Sessions, 1)
	row := audit.Sessions[0]
	assert.Equal(t, ch.ID, row.ChannelID)
	assert.Equal(t, 5, row.ChannelNumber)
	assert.Equal(t, "kodi/21", row.UserAgent)
	assert.Equal(t, int64(1880), row.BytesSent)
	assert.Equal(t, 42*time.Second, row.ClosedAt.Sub(row.OpenedAt))
}

func TestIdleSweep(t *testing.T) {
	mgr, fake, audit, _ := newTestManager(Config{IdleTimeout: 100 * time.Second})
	ch := testChannel(5)
	a, err := mgr.Open(ch, "10.0.0.1:1000", "test")
	require.NoError(t, err)
	b, err := mgr.Open(ch, "10.0.0.2:1000", "test")
	require.NoError(t, err)

	fake.Advance(60 * time.Second)
	mgr.RecordBytes(b.ID, 188)
	fake.Advance(60 * time.Second)

	// A has been quiet for 120s and is disconnected; B for 60s, which is
	// past half the timeout, so it is only marked idle.
	closed := mgr.SweepIdle()
	assert.Equal(t, 1, closed)

	list := mgr.ListByChannel(5)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, StateIdle, list[0].State)

	require.Len(t, audit.Sessions, 1)
	assert.Equal(t, a.ID, audit.Sessions[0].SessionID)
	assert.Equal(t, string(ReasonIdleTimeout), audit.Sessions[0].CloseReason)

	// Fresh activity revives an idle session.
	mgr.RecordBytes(b.ID, 188)
	assert.Equal(t, StateActive, mgr.ListByChannel(5)[0].State)
	assert.Zero(t, mgr.SweepIdle())
}

func TestCloseChannel(t *testing.T) {
	mgr, _, audit, _ := newTestManager(Config{})
	five := testChannel(5)
	seven := testChannel(7)
	_, err := mgr.Open(five, "10.0.0.1:1000", "test")
	require.NoError(t, err)
	_, err = mgr.Open(five, "10.0.0.2:1000", "test")
	require.NoError(t, err)
	keep, err := mgr.Open(seven, "10.0.0.3:1000", "test")
	require.NoError(t, err)

	assert.Equal(t, 2, mgr.CloseChannel(5, ReasonChannelStop))
	assert.Zero(t, mgr.CloseChannel(5, ReasonChannelStop))
	assert.Zero(t, mgr.CloseChannel(404, ReasonChannelStop))

	st := mgr.Stats()
	assert.Equal(t, 1, st.Open)
	require.Len(t, mgr.ListByChannel(7), 1)
	assert.Equal(t, keep.ID, mgr.ListByChannel(7)[0].ID)

	require.Len(t, audit.Sessions, 2)
	for _, row := range audit.Sessions {
		assert.Equal(t, string(ReasonChannelStop), row.CloseReason)
	}
}

func TestCloseAll(t *testing.T) {
	mgr, _, _, metrics := newTestManager(Config{})
	for i, number := range []int{5, 7, 9} {
		_, err := mgr.Open(testChannel(number), fmt.Sprintf("10.0.0.%d:1000", i), "test")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, mgr.CloseAll(ReasonShutdown))
	assert.Zero(t, mgr.Stats().Open)
	assert.Equal(t, float64(3),
		testutil.ToFloat64(metrics.SessionsClosed.WithLabelValues(string(ReasonShutdown))))
}

func TestNoteRestart(t *testing.T) {
	mgr, _, _, _ := newTestManager(Config{})
	five := testChannel(5)
	_, err := mgr.Open(five, "10.0.0.1:1000", "test")
	require.NoError(t, err)
	_, err = mgr.Open(five, "10.0.0.2:1000", "test")
	require.NoError(t, err)
	_, err = mgr.Open(testChannel(7), "10.0.0.3:1000", "test")
	require.NoError(t, err)

	mgr.NoteRestart(5)
	mgr.NoteRestart(5)
	mgr.NoteRestart(404)

	for _, snap := range mgr.ListByChannel(5) {
		assert.Equal(t, 2, snap.Restarts)
	}
	assert.Zero(t, mgr.ListByChannel(7)[0].Restarts)
}

func TestListByChannelOrder(t *testing.T) {
	mgr, fake, _, _ := newTestManager(Config{})
	ch := testChannel(5)

	var want []string
	for i := 0; i < 3; i++ {
		snap, err := mgr.Open(ch, fmt.Sprintf("10.0.0.%d:1000", i), "test")
		require.NoError(t, err)
		want = append(want, snap.ID)
		fake.Advance(time.Second)
	}

	list := mgr.ListByChannel(5)
	require.Len(t, list, 3)
	for i, snap := range list {
		assert.Equal(t, want[i], snap.ID, "oldest first")
	}
}

func TestStatsByChannel(t *testing.T) {
	mgr, _, _, _ := newTestManager(Config{})
	five := testChannel(5)
	_, err := mgr.Open(five, "10.0.0.1:1000", "test")
	require.NoError(t, err)
	_, err = mgr.Open(five, "10.0.0.2:1000", "test")
	require.NoError(t, err)
	snap, err := mgr.Open(testChannel(7), "10.0.0.3:1000", "test")
	require.NoError(t, err)

	st := mgr.Stats()
	assert.Equal(t, map[int]int{5: 2, 7: 1}, st.ByChannel)

	mgr.Close(snap.ID, ReasonClientGone)
	st = mgr.Stats()
	assert.Equal(t, map[int]int{5: 2}, st.ByChannel, "empty channels are omitted")
	assert.Equal(t, uint64(3), st.Opened)
	assert.Equal(t, uint64(1), st.Closed)
}

func TestMetricsDisabled(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := New(Config{Clock: fake}, newTestLogger(), nil, repository.NewFakeAuditRepository())

	// The full lifecycle must work with no metrics wired.
	snap, err := mgr.Open(testChannel(5), "10.0.0.9:52114", "test")
	require.NoError(t, err)
	mgr.RecordBytes(snap.ID, 188)
	mgr.Close(snap.ID, ReasonClientGone)
	assert.Zero(t, mgr.Stats().Open)
}

func TestAuditDisabled(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := New(Config{Clock: fake}, newTestLogger(), observability.NewMetrics(), nil)

	snap, err := mgr.Open(testChannel(5), "10.0.0.9:52114", "test")
	require.NoError(t, err)
	mgr.Close(snap.ID, ReasonClientGone)
	assert.Zero(t, mgr.Stats().Open)
}
