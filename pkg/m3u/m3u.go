// Package m3u writes extended M3U playlists. Only the writing side lives
// here; playlists are an output of this system, never an input.
package m3u

import (
	"fmt"
	"io"
	"strings"
)

// Entry is one channel line of a playlist.
type Entry struct {
	// TvgID keys the channel into the companion XMLTV guide.
	TvgID string

	// ChannelNumber is the tvg-chno attribute. Zero omits it.
	ChannelNumber int

	// Name is both the tvg-name attribute and the display title after
	// the comma.
	Name string

	// Logo is the tvg-logo attribute. Empty omits it.
	Logo string

	// GroupTitle buckets the channel in player UIs. Empty omits it.
	GroupTitle string

	// URL is the stream address, written on its own line.
	URL string
}

// Writer streams a playlist entry by entry. The header is written on the
// first entry.
type Writer struct {
	w             io.Writer
	headerWritten bool
}

// NewWriter creates a playlist writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the #EXTM3U header. WriteEntry calls it implicitly.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if _, err := fmt.Fprintln(w.w, "#EXTM3U"); err != nil {
		return fmt.Errorf("writing M3U header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteEntry writes one channel. Attribute order is fixed so the output is
// byte-stable across runs: tvg-id, tvg-chno, tvg-name, tvg-logo,
// group-title. Duration is always -1; everything here is a live stream.
func (w *Writer) WriteEntry(entry *Entry) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}

	var attrs []string
	if entry.TvgID != "" {
		attrs = append(attrs, fmt.Sprintf(`tvg-id="%s"`, escapeAttr(entry.TvgID)))
	}
	if entry.ChannelNumber > 0 {
		attrs = append(attrs, fmt.Sprintf(`tvg-chno="%d"`, entry.ChannelNumber))
	}
	if entry.Name != "" {
		attrs = append(attrs, fmt.Sprintf(`tvg-name="%s"`, escapeAttr(entry.Name)))
	}
	if entry.Logo != "" {
		attrs = append(attrs, fmt.Sprintf(`tvg-logo="%s"`, escapeAttr(entry.Logo)))
	}
	if entry.GroupTitle != "" {
		attrs = append(attrs, fmt.Sprintf(`group-title="%s"`, escapeAttr(entry.GroupTitle)))
	}

	extinf := "#EXTINF:-1"
	if len(attrs) > 0 {
		extinf += " " + strings.Join(attrs, " ")
	}
	extinf += "," + entry.Name

	if _, err := fmt.Fprintln(w.w, extinf); err != nil {
		return fmt.Errorf("writing EXTINF: %w", err)
	}
	if _, err := fmt.Fprintln(w.w, entry.URL); err != nil {
		return fmt.Errorf("writing URL: %w", err)
	}
	return nil
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
