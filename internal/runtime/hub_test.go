package runtime

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/observability"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tsPackets returns n transport stream packets with distinct payload bytes
// so delivery order is checkable.
func tsPackets(n int) []byte {
	out := make([]byte, 0, n*mpegts.PacketSize)
	for i := 0; i < n; i++ {
		pkt := make([]byte, mpegts.PacketSize)
		pkt[0] = mpegts.SyncByte
		for j := 1; j < len(pkt); j++ {
			pkt[j] = byte(i)
		}
		out = append(out, pkt...)
	}
	return out
}

// readAll drains exactly n bytes from a subscriber.
func readAll(t *testing.T, s *Subscriber, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 1024)
	for len(out) < n {
		got, err := s.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:got]...)
	}
	require.Len(t, out, n)
	return out
}

func TestHubFanOut(t *testing.T) {
	metrics := observability.NewMetrics()
	h := NewHub(HubConfig{}, 5, newTestLogger(), metrics)

	a, err := h.Subscribe()
	require.NoError(t, err)
	b, err := h.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count())

	data := tsPackets(4)
	n, err := h.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	assert.Equal(t, data, readAll(t, a, len(data)))
	assert.Equal(t, data, readAll(t, b, len(data)))
	assert.Equal(t, int64(len(data)), a.BytesSent())

	// Both subscribers received the bytes, so the counter sees them twice.
	assert.Equal(t, float64(2*len(data)),
		testutil.ToFloat64(metrics.ChannelBytesOut.WithLabelValues("5")))
}

func TestHubSubscribersJoinLive(t *testing.T) {
	h := NewHub(HubConfig{}, 5, newTestLogger(), nil)

	early, err := h.Subscribe()
	require.NoError(t, err)

	first := tsPackets(2)
	_, err = h.Write(first)
	require.NoError(t, err)

	late, err := h.Subscribe()
	require.NoError(t, err)

	second := tsPackets(3)
	_, err = h.Write(second)
	require.NoError(t, err)

	// The late joiner sees only bytes written after it attached.
	assert.Equal(t, append(append([]byte{}, first...), second...),
		readAll(t, early, len(first)+len(second)))
	assert.Equal(t, second, readAll(t, late, len(second)))
}

func TestHubTrimsFirstChunkToPacketBoundary(t *testing.T) {
	h := NewHub(HubConfig{}, 5, newTestLogger(), nil)

	s, err := h.Subscribe()
	require.NoError(t, err)

	// A joiner mid-packet sees a partial packet first; the hub trims to
	// the next sync marker so the client starts on a whole packet.
	packets := tsPackets(2)
	chunk := append([]byte{0x00, 0x11, 0x22}, packets...)
	_, err = h.Write(chunk)
	require.NoError(t, err)

	got := readAll(t, s, len(packets))
	assert.Equal(t, packets, got)
	assert.EqualValues(t, mpegts.SyncByte, got[0])
}

func TestHubDropsSlowSubscriberWithoutBlockingWriter(t *testing.T) {
	h := NewHub(HubConfig{
		SubscriberQueueBytes:      512,
		SlowSubscriberBudgetBytes: 1000,
	}, 5, newTestLogger(), nil)

	s, err := h.Subscribe()
	require.NoError(t, err)

	chunk := make([]byte, 400)
	chunk[0] = mpegts.SyncByte
	for i := 0; i < 2; i++ {
		_, err = h.Write(chunk)
		require.NoError(t, err)
	}

	// The third write pushes the backlog past the budget; the writer is
	// never blocked, the subscriber is detached instead.
	_, err = h.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Count())

	// Queued bytes drain before the terminal error surfaces.
	_ = readAll(t, s, 2*len(chunk))
	_, err = s.Read(make([]byte, 64))
	assert.ErrorIs(t, err, ErrSlowSubscriber)
	assert.ErrorIs(t, s.Err(), ErrSlowSubscriber)
}

func TestHubClose(t *testing.T) {
	h := NewHub(HubConfig{}, 5, newTestLogger(), nil)

	s, err := h.Subscribe()
	require.NoError(t, err)

	data := tsPackets(1)
	_, err = h.Write(data)
	require.NoError(t, err)

	h.Close()

	// Buffered bytes still drain, then EOF.
	assert.Equal(t, data, readAll(t, s, len(data)))
	_, err = s.Read(make([]byte, 64))
	assert.ErrorIs(t, err, io.EOF)

	_, err = h.Write(data)
	assert.ErrorIs(t, err, ErrHubClosed)
	_, err = h.Subscribe()
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestSubscriberClose(t *testing.T) {
	h := NewHub(HubConfig{}, 5, newTestLogger(), nil)

	s, err := h.Subscribe()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, h.Count())

	_, err = s.Read(make([]byte, 64))
	assert.ErrorIs(t, err, io.EOF)
}
