package resolver

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// localResolver serves files on mounted filesystems. The handle is the
// absolute path; ffmpeg opens it directly, so resolution is just an
// existence check plus container inference from the extension.
type localResolver struct{}

var containerByExt = map[string]string{
	".mkv":  "matroska",
	".mp4":  "mp4",
	".m4v":  "mp4",
	".mov":  "mov",
	".ts":   "mpegts",
	".m2ts": "mpegts",
	".mts":  "mpegts",
	".avi":  "avi",
	".webm": "webm",
	".flv":  "flv",
	".mpg":  "mpeg",
	".mpeg": "mpeg",
}

func containerFromPath(path string) string {
	return containerByExt[strings.ToLower(filepath.Ext(path))]
}

func (localResolver) resolve(_ context.Context, ref MediaRef) (*ResolvedSource, error) {
	info, err := os.Stat(ref.Handle)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, newError(KindNotFound, ref, err)
	}
	if err != nil {
		return nil, newError(KindUnreachable, ref, err)
	}
	if info.IsDir() {
		return nil, newError(KindAmbiguous, ref, errors.New("handle is a directory"))
	}
	container := containerFromPath(ref.Handle)
	return &ResolvedSource{
		PrimaryURI:    ref.Handle,
		Kind:          ref.Kind,
		ContainerHint: container,
		// Without a probe the extension is all we know, so only files
		// already in transport stream form count as copyable.
		DirectPlayCandidate: directPlayable(container, "", ""),
	}, nil
}
