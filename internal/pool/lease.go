package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// RevokeReason tells a lease owner why the pool is taking the lease back.
type RevokeReason string

// RevokeLongRun is sent when a process has been alive past the long-run
// limit. The owner gets a grace period to release; then the pool force-kills.
const RevokeLongRun RevokeReason = "long_run"

// Lease is a live transcoder process owned by exactly one caller. The owner
// reads the process output through Stdout and must call Release exactly once
// (extra calls are no-ops). The pool keeps it in its accounting until
// released or reaped.
type Lease struct {
	id            uint64
	pool          *Pool
	channelID     models.ULID
	channelNumber int
	acquiredAt    time.Time
	proc          *osProcess

	done    chan struct{}
	revoked chan RevokeReason

	releaseOnce sync.Once
	releaseErr  error

	rss atomic.Int64

	mu             sync.Mutex
	exited         bool
	exitCode       int
	exitErr        error
	revokeReason   RevokeReason
	revokeDeadline time.Time
}

// PID returns the operating system process id.
func (l *Lease) PID() int { return l.proc.pid }

// ChannelID returns the owning channel.
func (l *Lease) ChannelID() models.ULID { return l.channelID }

// ChannelNumber returns the owning channel's number.
func (l *Lease) ChannelNumber() int { return l.channelNumber }

// AcquiredAt returns when the process was spawned.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Stdout is the process output stream.
func (l *Lease) Stdout() io.ReadCloser { return l.proc.stdout }

// Stderr is the process diagnostic stream.
func (l *Lease) Stderr() io.ReadCloser { return l.proc.stderr }

// Done is closed once the process has exited, released or not.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Revoked delivers at most one revocation notice from the pool.
func (l *Lease) Revoked() <-chan RevokeReason { return l.revoked }

// ExitState reports how the process exited. The code is -1 when the process
// was killed by a signal or has not exited yet; err is set only when waiting
// on the process itself failed. Valid once Done is closed.
func (l *Lease) ExitState() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.exited {
		return -1, nil
	}
	return l.exitCode, l.exitErr
}

// RSSBytes returns the last sampled resident set size, zero before the
// first reaper pass.
func (l *Lease) RSSBytes() int64 { return l.rss.Load() }

// Release tears the process down and removes the lease from the pool.
// Idempotent. If the process is still running it is asked to stop via a
// stdin close and SIGTERM, then killed on the escalation schedule. A
// canceled ctx skips the remaining grace and goes straight to SIGKILL.
func (l *Lease) Release(ctx context.Context) error {
	l.releaseOnce.Do(func() {
		l.releaseErr = l.shutdown(ctx)
		l.pool.remove(l)
	})
	return l.releaseErr
}

func (l *Lease) shutdown(ctx context.Context) error {
	if l.proc.stdin != nil {
		_ = l.proc.stdin.Close()
	}

	select {
	case <-l.done:
		return nil
	default:
	}

	clk := l.pool.cfg.Clock
	log := l.pool.log

	_ = l.proc.signal(syscall.SIGTERM)
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
	case <-clk.After(l.pool.cfg.KillGrace):
		log.Warn("transcoder ignored SIGTERM, retrying",
			slog.Int("pid", l.proc.pid),
			slog.Int("channel_number", l.channelNumber))
		_ = l.proc.signal(syscall.SIGTERM)
		select {
		case <-l.done:
			return nil
		case <-ctx.Done():
		case <-clk.After(l.pool.cfg.KillGraceFinal):
		}
	}

	log.Warn("killing transcoder",
		slog.Int("pid", l.proc.pid),
		slog.Int("channel_number", l.channelNumber))
	_ = l.proc.signal(syscall.SIGKILL)

	select {
	case <-l.done:
		return nil
	case <-clk.After(l.pool.cfg.KillGrace):
		return fmt.Errorf("process %d did not exit after SIGKILL", l.proc.pid)
	}
}

// watch records the exit state as soon as the process ends.
func (l *Lease) watch(wg *sync.WaitGroup) {
	defer wg.Done()
	code, err := l.proc.wait()
	l.mu.Lock()
	l.exited = true
	l.exitCode = code
	l.exitErr = err
	l.mu.Unlock()
	close(l.done)
}

// markRevoked records the first revocation and notifies the owner. Returns
// false when the lease was already revoked.
func (l *Lease) markRevoked(reason RevokeReason, deadline time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revokeReason != "" {
		return false
	}
	l.revokeReason = reason
	l.revokeDeadline = deadline
	select {
	case l.revoked <- reason:
	default:
	}
	return true
}

func (l *Lease) revokeState() (RevokeReason, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revokeReason, l.revokeDeadline
}

// sampleRSS refreshes the resident set size of a live process. Races with
// process exit are expected and ignored.
func (l *Lease) sampleRSS(ctx context.Context) {
	proc, err := process.NewProcess(int32(l.proc.pid))
	if err != nil {
		return
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return
	}
	l.rss.Store(int64(info.RSS))
}

// osProcess is the spawned-process surface the pool manages. The indirection
// lets tests substitute scripted processes for real ones.
type osProcess struct {
	pid    int
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser
	wait   func() (int, error)
	signal func(os.Signal) error
}

type startFunc func(req AcquireRequest) (*osProcess, error)

// execStart spawns req.Argv as a real child process. Output runs through
// explicit os.Pipe pairs rather than exec's managed pipes: Wait then has no
// pipe to tear down, so readers drain every buffered byte and get a clean
// EOF when the process exits.
func execStart(req AcquireRequest) (*osProcess, error) {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	var stdinR *os.File
	var stdinW *os.File
	if req.CloseStdin {
		var err error
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		opened = append(opened, stdinR, stdinW)
		cmd.Stdin = stdinR
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	opened = append(opened, stdoutR, stdoutW)
	cmd.Stdout = stdoutW

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	opened = append(opened, stderrR, stderrW)
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("starting process: %w", err)
	}

	// The child owns duplicates now. Dropping the parent's copies of the
	// child-side ends is what turns process exit into EOF for readers.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if stdinR != nil {
		_ = stdinR.Close()
	}

	var stdin io.WriteCloser
	if stdinW != nil {
		stdin = stdinW
	}

	return &osProcess{
		pid:    cmd.Process.Pid,
		stdout: stdoutR,
		stderr: stderrR,
		stdin:  stdin,
		wait: func() (int, error) {
			err := cmd.Wait()
			if cmd.ProcessState != nil {
				return cmd.ProcessState.ExitCode(), nil
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		},
		signal: func(sig os.Signal) error {
			return cmd.Process.Signal(sig)
		},
	}, nil
}
