package runtime

import (
	"context"
	"io"

	"github.com/exstreamtv/exstreamtv/internal/pool"
)

// SourceKind names what is producing a channel's bytes right now.
type SourceKind string

const (
	// SourceProcess is a transcoder process playing real content.
	SourceProcess SourceKind = "process"
	// SourceErrorScreen is the synthesized fallback stream.
	SourceErrorScreen SourceKind = "errorscreen"
)

// Lease is the runtime's view of a pool lease. *pool.Lease satisfies it;
// tests substitute fakes so no processes are spawned.
type Lease interface {
	PID() int
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Release(ctx context.Context) error
	Revoked() <-chan pool.RevokeReason
	Done() <-chan struct{}
	ExitState() (int, error)
}

// Spawner acquires transcoder processes. The process pool is the only
// production implementation; every spawn a runtime performs goes through
// it, so pool guards and accounting cover the error screen too.
type Spawner interface {
	Acquire(ctx context.Context, req pool.AcquireRequest) (Lease, error)
}

// PoolSpawner adapts *pool.Pool to the Spawner interface.
type PoolSpawner struct {
	Pool *pool.Pool
}

// Acquire implements Spawner.
func (p PoolSpawner) Acquire(ctx context.Context, req pool.AcquireRequest) (Lease, error) {
	lease, err := p.Pool.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// source is one active byte producer: a lease plus what it is playing.
type source struct {
	kind  SourceKind
	lease Lease
}

func (s *source) close(ctx context.Context) {
	if s == nil || s.lease == nil {
		return
	}
	_ = s.lease.Release(ctx)
}
