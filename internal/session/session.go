// Package session tracks connected client sessions per channel. The manager
// enforces the per-channel cap, sweeps idle connections, force-closes
// sessions that keep erroring, and writes an audit summary when a session
// ends. State is sharded by channel so one busy channel's bookkeeping does
// not contend with another's.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxPerChannel = 50
	DefaultIdleTimeout   = 300 * time.Second
	DefaultMaxErrors     = 10
)

// auditWriteTimeout bounds the repository write performed at session close.
const auditWriteTimeout = 5 * time.Second

// ErrPerChannelCap rejects an open once the channel is at its session limit.
var ErrPerChannelCap = errors.New("session: channel at capacity")

// State is the lifecycle position of a session.
type State string

const (
	StateCreated      State = "created"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// CloseReason labels why a session ended, for both the sessions_closed
// metric and the audit row.
type CloseReason string

const (
	ReasonClientGone  CloseReason = "client_disconnect"
	ReasonIdleTimeout CloseReason = "idle_timeout"
	ReasonErrors      CloseReason = "too_many_errors"
	ReasonChannelStop CloseReason = "channel_stop"
	ReasonShutdown    CloseReason = "shutdown"
)

// Config bounds session bookkeeping.
type Config struct {
	// MaxPerChannel caps live sessions on one channel.
	MaxPerChannel int

	// IdleTimeout disconnects sessions with no delivery activity. Sessions
	// are marked idle once inactivity passes half of it.
	IdleTimeout time.Duration

	// MaxErrors force-closes a session after this many recorded errors.
	MaxErrors int

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Snapshot is a point-in-time copy of one session.
type Snapshot struct {
	ID            string    `json:"id"`
	ChannelNumber int       `json:"channel_number"`
	ClientAddr    string    `json:"client_addr"`
	UserAgent     string    `json:"user_agent,omitempty"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	BytesSent     int64     `json:"bytes_sent"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
	Restarts      int       `json:"restarts"`
}

// Stats summarizes the manager.
type Stats struct {
	Open      int         `json:"open"`
	ByChannel map[int]int `json:"by_channel"`
	Opened    uint64      `json:"opened_total"`
	Closed    uint64      `json:"closed_total"`
}

// Manager tracks every client session. Safe for concurrent use.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	audit   repository.AuditRepository

	mu     sync.RWMutex
	shards map[int]*shard
	index  map[string]*session
	opened uint64
	closed uint64
}

// shard holds one channel's session list behind its own lock. Lock order
// is always manager before shard before session.
type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	channelID models.ULID
	number    int
	addr      string
	userAgent string

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	lastActivity time.Time
	closedAt     time.Time
	bytesSent    int64
	errs         []string
	restarts     int
	closed       bool
}

// New creates a manager. audit may be nil to disable the audit trail.
func New(cfg Config, log *slog.Logger, metrics *observability.Metrics, audit repository.AuditRepository) *Manager {
	if cfg.MaxPerChannel <= 0 {
		cfg.MaxPerChannel = DefaultMaxPerChannel
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Manager{
		cfg:     cfg,
		log:     log.With(slog.String("component", "session")),
		metrics: metrics,
		audit:   audit,
		shards:  make(map[int]*shard),
		index:   make(map[string]*session),
	}
}

// Open registers a new session for the channel. Returns ErrPerChannelCap
// when the channel is already at its limit.
func (m *Manager) Open(ch *models.Channel, clientAddr, userAgent string) (Snapshot, error) {
	now := m.cfg.Clock.Now()
	s := &session{
		id:           uuid.NewString(),
		channelID:    ch.ID,
		number:       ch.Number,
		addr:         clientAddr,
		userAgent:    userAgent,
		state:        StateCreated,
		createdAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	sh := m.shards[ch.Number]
	if sh == nil {
		sh = &shard{sessions: make(map[string]*session)}
		m.shards[ch.Number] = sh
	}
	sh.mu.Lock()
	if len(sh.sessions) >= m.cfg.MaxPerChannel {
		sh.mu.Unlock()
		m.mu.Unlock()
		m.log.Warn("session rejected",
			slog.Int("channel_number", ch.Number),
			slog.String("client", clientAddr),
			slog.Int("cap", m.cfg.MaxPerChannel))
		return Snapshot{}, ErrPerChannelCap
	}
	sh.sessions[s.id] = s
	sh.mu.Unlock()
	m.index[s.id] = s
	m.opened++
	m.mu.Unlock()

	m.metrics.IncSessionOpen()
	m.log.Info("session opened",
		slog.String("session_id", s.id),
		slog.Int("channel_number", ch.Number),
		slog.String("client", clientAddr))
	return s.snapshot(), nil
}

// RecordBytes notes delivery progress on a session.
func (m *Manager) RecordBytes(id string, n int) {
	if n <= 0 {
		return
	}
	s := m.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.bytesSent += int64(n)
		s.lastActivity = m.cfg.Clock.Now()
		s.state = StateActive
	}
	s.mu.Unlock()
}

// RecordError notes a delivery error. Once the session accumulates the
// configured maximum it is force-closed; channel health is unaffected.
func (m *Manager) RecordError(id string, err error) {
	if err == nil {
		return
	}
	s := m.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.errs) < m.cfg.MaxErrors {
		s.errs = append(s.errs, err.Error())
	}
	s.state = StateError
	s.lastActivity = m.cfg.Clock.Now()
	force := len(s.errs) >= m.cfg.MaxErrors
	s.mu.Unlock()

	if force {
		m.closeSession(s, ReasonErrors)
	}
}

// Close ends a session. Closing an unknown or already closed session is a
// no-op; sessions are never resurrected.
func (m *Manager) Close(id string, reason CloseReason) {
	if s := m.lookup(id); s != nil {
		m.closeSession(s, reason)
	}
}

// CloseChannel ends every session on the channel, for channel stop.
func (m *Manager) CloseChannel(number int, reason CloseReason) int {
	m.mu.RLock()
	sh := m.shards[number]
	m.mu.RUnlock()
	if sh == nil {
		return 0
	}
	sh.mu.Lock()
	victims := make([]*session, 0, len(sh.sessions))
	for _, s := range sh.sessions {
		victims = append(victims, s)
	}
	sh.mu.Unlock()

	n := 0
	for _, s := range victims {
		if m.closeSession(s, reason) {
			n++
		}
	}
	return n
}

// CloseAll ends every session, for process shutdown.
func (m *Manager) CloseAll(reason CloseReason) int {
	n := 0
	for _, s := range m.all() {
		if m.closeSession(s, reason) {
			n++
		}
	}
	return n
}

// SweepIdle marks quiet sessions idle and disconnects the ones whose
// inactivity passed the timeout. Returns the number closed. Called on a
// janitor tick.
func (m *Manager) SweepIdle() int {
	now := m.cfg.Clock.Now()
	var expired []*session
	for _, s := range m.all() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		inactive := now.Sub(s.lastActivity)
		switch {
		case inactive > m.cfg.IdleTimeout:
			expired = append(expired, s)
		case inactive > m.cfg.IdleTimeout/2:
			if s.state == StateActive || s.state == StateCreated {
				s.state = StateIdle
			}
		}
		s.mu.Unlock()
	}

	n := 0
	for _, s := range expired {
		if m.closeSession(s, ReasonIdleTimeout) {
			n++
		}
	}
	return n
}

// NoteRestart bumps the restart counter on every open session of the
// channel, so clients that rode through a source swap are visible.
func (m *Manager) NoteRestart(number int) {
	m.mu.RLock()
	sh := m.shards[number]
	m.mu.RUnlock()
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, s := range sh.sessions {
		s.mu.Lock()
		if !s.closed {
			s.restarts++
		}
		s.mu.Unlock()
	}
}

// ListByChannel returns snapshots of the channel's sessions, oldest first.
func (m *Manager) ListByChannel(number int) []Snapshot {
	m.mu.RLock()
	sh := m.shards[number]
	m.mu.RUnlock()
	if sh == nil {
		return nil
	}
	sh.mu.Lock()
	snaps := make([]Snapshot, 0, len(sh.sessions))
	for _, s := range sh.sessions {
		snaps = append(snaps, s.snapshot())
	}
	sh.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Stats returns a point-in-time summary.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Open:      len(m.index),
		ByChannel: make(map[int]int),
		Opened:    m.opened,
		Closed:    m.closed,
	}
	for number, sh := range m.shards {
		sh.mu.Lock()
		if n := len(sh.sessions); n > 0 {
			st.ByChannel[number] = n
		}
		sh.mu.Unlock()
	}
	return st
}

func (m *Manager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index[id]
}

func (m *Manager) all() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.index))
	for _, s := range m.index {
		out = append(out, s)
	}
	return out
}

// closeSession flips the session's closed gate and, when it wins the flip,
// performs the single teardown: index and shard removal, metrics, the
// audit row and the log line. Reports whether this call did the close.
func (m *Manager) closeSession(s *session, reason CloseReason) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.state = StateDisconnected
	s.closedAt = m.cfg.Clock.Now()
	row := models.SessionAudit{
		SessionID:     s.id,
		ChannelID:     s.channelID,
		ChannelNumber: s.number,
		ClientAddr:    s.addr,
		UserAgent:     s.userAgent,
		OpenedAt:      s.createdAt,
		ClosedAt:      s.closedAt,
		BytesSent:     s.bytesSent,
		ErrorCount:    len(s.errs),
		CloseReason:   string(reason),
	}
	lifetime := s.closedAt.Sub(s.createdAt)
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.index, s.id)
	sh := m.shards[s.number]
	m.closed++
	m.mu.Unlock()
	if sh != nil {
		sh.mu.Lock()
		delete(sh.sessions, s.id)
		sh.mu.Unlock()
	}

	m.metrics.ObserveSessionClosed(string(reason))

	if m.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := m.audit.RecordSession(ctx, &row); err != nil {
			m.log.Warn("session audit write failed",
				slog.String("session_id", s.id),
				slog.Any("error", err))
		}
		cancel()
	}

	m.log.Info("session closed",
		slog.String("session_id", s.id),
		slog.Int("channel_number", s.number),
		slog.String("reason", string(reason)),
		slog.Int64("bytes_sent", row.BytesSent),
		slog.Duration("lifetime", lifetime))
	return true
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:            s.id,
		ChannelNumber: s.number,
		ClientAddr:    s.addr,
		UserAgent:     s.userAgent,
		State:         s.state,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		BytesSent:     s.bytesSent,
		ErrorCount:    len(s.errs),
		Restarts:      s.restarts,
	}
	if n := len(s.errs); n > 0 {
		snap.LastError = s.errs[n-1]
	}
	return snap
}
