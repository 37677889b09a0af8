package resolver

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultYouTubeTimeout bounds one helper invocation.
const DefaultYouTubeTimeout = 30 * time.Second

// CommandRunner executes a short-lived helper binary and returns its
// stdout. It exists so tests can stub the helper; ExecRunner is the real
// thing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs helpers through os/exec.
type ExecRunner struct{}

// Run executes the command and returns stdout. On failure the helper's
// stderr is folded into the error so classification can read it.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

// youtubeResolver shells out to a yt-dlp style helper for the direct media
// URL. This is the only process execution outside the transcoder pool; the
// helper is a metadata lookup that exits in seconds, not a long-lived
// streamer.
type youtubeResolver struct {
	helper  string
	timeout time.Duration
	runner  CommandRunner
}

func newYouTubeResolver(cfg YouTubeConfig) *youtubeResolver {
	helper := cfg.HelperPath
	if helper == "" {
		helper = "yt-dlp"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultYouTubeTimeout
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &youtubeResolver{helper: helper, timeout: timeout, runner: runner}
}

func (y *youtubeResolver) resolve(ctx context.Context, ref MediaRef) (*ResolvedSource, error) {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	// "-f best" asks for a muxed stream so exactly one URL comes back.
	out, err := y.runner.Run(ctx, y.helper,
		"--no-warnings", "--no-playlist", "-f", "best", "-g", ref.Handle)
	if err != nil {
		return nil, newError(classifyHelperError(err), ref, err)
	}

	var urls []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	switch {
	case len(urls) == 0:
		return nil, newError(KindAmbiguous, ref, fmt.Errorf("helper returned no URL"))
	case len(urls) > 1:
		// Separate video and audio URLs mean no muxed stream exists.
		return nil, newError(KindAmbiguous, ref, fmt.Errorf("helper returned %d URLs", len(urls)))
	}

	return &ResolvedSource{
		PrimaryURI: urls[0],
		Kind:       ref.Kind,
	}, nil
}

// classifyHelperError maps helper failure text onto resolve error kinds.
// The helper prints its diagnostics to stderr, which ExecRunner folds into
// the error string.
func classifyHelperError(err error) ResolveErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "video unavailable"),
		strings.Contains(msg, "not available"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "404"):
		return KindNotFound
	case strings.Contains(msg, "sign in"),
		strings.Contains(msg, "login required"),
		strings.Contains(msg, "private video"),
		strings.Contains(msg, "age-restricted"),
		strings.Contains(msg, "confirm your age"):
		return KindAuthExpired
	default:
		return KindUnreachable
	}
}
