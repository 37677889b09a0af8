package runtime

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/observability"
)

// ErrHubClosed is returned to writers after the hub shuts down.
var ErrHubClosed = errors.New("runtime: hub closed")

// ErrSlowSubscriber terminates subscribers that fall too far behind the
// source. The write side never waits for them.
var ErrSlowSubscriber = errors.New("runtime: subscriber too slow")

// subscriberChunks bounds each subscriber queue by chunk count; the byte
// budget below is the actual limit, this just sizes the channel.
const subscriberChunks = 256

// HubConfig bounds the fan-out hub.
type HubConfig struct {
	// SubscriberQueueBytes caps bytes queued to one subscriber before
	// writes start counting against the drop budget.
	SubscriberQueueBytes int

	// SlowSubscriberBudgetBytes drops a subscriber once its backlog
	// exceeds it.
	SlowSubscriberBudgetBytes int
}

// Hub broadcasts one channel's byte stream to every subscriber. A single
// writer (the runtime's reader task) pushes chunks; each subscriber drains
// its own bounded queue. Writes never block: a subscriber that cannot keep
// up inside its budget is dropped, never the writer stalled.
type Hub struct {
	cfg           HubConfig
	channelNumber int
	log           *slog.Logger
	metrics       *observability.Metrics

	// attach carries at most one pending notification; the runtime waits
	// on it to wake from idle when the first subscriber arrives.
	attach chan struct{}

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool
}

// NewHub creates an empty hub for one channel.
func NewHub(cfg HubConfig, channelNumber int, log *slog.Logger, metrics *observability.Metrics) *Hub {
	if cfg.SubscriberQueueBytes <= 0 {
		cfg.SubscriberQueueBytes = 2 << 20
	}
	if cfg.SlowSubscriberBudgetBytes <= 0 {
		cfg.SlowSubscriberBudgetBytes = 4 << 20
	}
	return &Hub{
		cfg:           cfg,
		channelNumber: channelNumber,
		log:           observability.WithComponent(log, "hub"),
		metrics:       metrics,
		attach:        make(chan struct{}, 1),
		subs:          make(map[string]*Subscriber),
	}
}

// Write fans one chunk out to every subscriber. The chunk is copied once;
// subscribers share the copy read-only. Implements io.Writer so the reader
// task can io.Copy into the hub.
func (h *Hub) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrHubClosed
	}
	var slow []*Subscriber
	for _, s := range h.subs {
		if !s.offer(chunk) {
			slow = append(slow, s)
			delete(h.subs, s.id)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		s.terminate(ErrSlowSubscriber)
		h.log.Warn("dropped slow subscriber",
			slog.Int("channel", h.channelNumber),
			slog.String("subscriber", s.id),
			slog.Int64("backlog_bytes", s.pending.Load()))
	}
	return len(p), nil
}

// Subscribe attaches a new reader to the live stream. Subscribers only see
// bytes produced after they attach; nothing is replayed.
func (h *Hub) Subscribe() (*Subscriber, error) {
	chunks := h.cfg.SubscriberQueueBytes / (8 * 1024)
	if chunks < subscriberChunks {
		chunks = subscriberChunks
	}
	s := &Subscriber{
		id:       uuid.NewString(),
		hub:      h,
		ch:       make(chan []byte, chunks),
		done:     make(chan struct{}),
		budget:   int64(h.cfg.SlowSubscriberBudgetBytes),
		needSync: true,
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	select {
	case h.attach <- struct{}{}:
	default:
	}

	h.log.Debug("subscriber attached",
		slog.Int("channel", h.channelNumber),
		slog.String("subscriber", s.id),
		slog.Int("subscribers", n))
	return s, nil
}

// Attached signals subscriber arrivals. At most one notification is
// buffered, so a waiter must recheck Count after draining it.
func (h *Hub) Attached() <-chan struct{} { return h.attach }

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber with EOF and rejects future writes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.terminate(io.EOF)
	}
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscriber is one attached reader. Read returns bytes in exactly the
// order the hub wrote them; when the subscriber is dropped or the hub
// closes, Read drains what is queued and then returns the terminal error.
type Subscriber struct {
	id  string
	hub *Hub

	ch     chan []byte
	done   chan struct{}
	budget int64

	pending atomic.Int64
	sent    atomic.Int64

	closeOnce sync.Once
	err       error

	// carry holds the unread tail of the chunk being consumed.
	carry []byte

	// needSync trims the first delivered bytes to a transport stream sync
	// boundary so a mid-stream joiner starts on a whole packet.
	needSync bool
}

// ID returns the subscriber's identifier, used for log correlation.
func (s *Subscriber) ID() string { return s.id }

// BytesSent returns the total bytes delivered through Read.
func (s *Subscriber) BytesSent() int64 { return s.sent.Load() }

// offer queues a chunk without blocking. False means the subscriber is out
// of budget or queue space and must be dropped.
func (s *Subscriber) offer(chunk []byte) bool {
	if s.pending.Load()+int64(len(chunk)) > s.budget {
		return false
	}
	select {
	case s.ch <- chunk:
		s.pending.Add(int64(len(chunk)))
		return true
	default:
		return false
	}
}

// Read implements io.Reader. It blocks until bytes arrive or the
// subscriber terminates.
func (s *Subscriber) Read(p []byte) (int, error) {
	for {
		if len(s.carry) > 0 {
			n := copy(p, s.carry)
			s.carry = s.carry[n:]
			s.account(n)
			return n, nil
		}
		select {
		case chunk := <-s.ch:
			s.pending.Add(-int64(len(chunk)))
			s.carry = s.trim(chunk)
		case <-s.done:
			// Drain anything queued before reporting the terminal
			// error, preserving stream order for clean closes.
			select {
			case chunk := <-s.ch:
				s.pending.Add(-int64(len(chunk)))
				s.carry = s.trim(chunk)
				continue
			default:
			}
			return 0, s.err
		}
	}
}

// trim drops bytes before the first TS sync marker on the very first
// delivered chunk. Later chunks pass through untouched.
func (s *Subscriber) trim(chunk []byte) []byte {
	if !s.needSync {
		return chunk
	}
	if off := mpegts.SyncOffset(chunk); off > 0 {
		chunk = chunk[off:]
	}
	if len(chunk) > 0 {
		s.needSync = false
	}
	return chunk
}

func (s *Subscriber) account(n int) {
	s.sent.Add(int64(n))
	if s.hub.metrics != nil {
		s.hub.metrics.AddChannelBytes(s.hub.channelNumber, n)
	}
}

// Close detaches the subscriber. Safe to call multiple times; pending
// Reads unblock with the terminal error.
func (s *Subscriber) Close() error {
	s.hub.detach(s.id)
	s.terminate(io.EOF)
	return nil
}

// Err returns the terminal error once the subscriber is done, nil before.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscriber) terminate(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
