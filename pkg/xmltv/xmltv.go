// Package xmltv writes XMLTV guide documents as a stream. The guide is an
// output of this system, never an input, so there is no parser here.
package xmltv

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// MaxDescriptionLen caps programme descriptions; longer text is truncated
// on a rune boundary before writing.
const MaxDescriptionLen = 500

// Channel is one channel definition in the guide.
type Channel struct {
	ID          string
	DisplayName string
	Icon        string
	URL         string
}

// Programme is one guide entry for a channel.
type Programme struct {
	Channel     string
	Start       time.Time
	Stop        time.Time
	Title       string
	SubTitle    string
	Description string
	Category    string
	Icon        string
	EpisodeNum  string
	Language    string
}

// Writer emits an XMLTV document incrementally. All channels must be
// written before the first programme.
type Writer struct {
	w             io.Writer
	headerWritten bool
	channelsDone  bool
}

// NewWriter creates a Writer targeting w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the XML declaration and opens the tv element. It is
// idempotent; WriteChannel and WriteProgramme call it as needed.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if _, err := fmt.Fprintln(w.w, `<?xml version="1.0" encoding="UTF-8"?>`); err != nil {
		return fmt.Errorf("writing XML declaration: %w", err)
	}
	if _, err := fmt.Fprintln(w.w, `<tv generator-info-name="exstreamtv" generator-info-url="https://github.com/exstreamtv/exstreamtv">`); err != nil {
		return fmt.Errorf("writing tv element: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteChannel writes a channel definition.
func (w *Writer) WriteChannel(ch *Channel) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	if w.channelsDone {
		return fmt.Errorf("channels must be written before programmes")
	}

	if _, err := fmt.Fprintf(w.w, `  <channel id="%s">`+"\n", xmlEscape(ch.ID)); err != nil {
		return fmt.Errorf("writing channel: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "    <display-name>%s</display-name>\n", xmlEscape(ch.DisplayName)); err != nil {
		return err
	}
	if ch.Icon != "" {
		if _, err := fmt.Fprintf(w.w, `    <icon src="%s"/>`+"\n", xmlEscape(ch.Icon)); err != nil {
			return err
		}
	}
	if ch.URL != "" {
		if _, err := fmt.Fprintf(w.w, "    <url>%s</url>\n", xmlEscape(ch.URL)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w.w, "  </channel>")
	return err
}

// WriteProgramme writes one guide entry. The first call closes the channel
// section for the rest of the document.
func (w *Writer) WriteProgramme(prog *Programme) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	w.channelsDone = true

	_, err := fmt.Fprintf(w.w, `  <programme start="%s" stop="%s" channel="%s">`+"\n",
		formatTime(prog.Start), formatTime(prog.Stop), xmlEscape(prog.Channel))
	if err != nil {
		return fmt.Errorf("writing programme: %w", err)
	}

	lang := prog.Language
	if lang == "" {
		lang = "en"
	}
	if _, err := fmt.Fprintf(w.w, `    <title lang="%s">%s</title>`+"\n", lang, xmlEscape(prog.Title)); err != nil {
		return err
	}
	if prog.SubTitle != "" {
		if _, err := fmt.Fprintf(w.w, `    <sub-title lang="%s">%s</sub-title>`+"\n", lang, xmlEscape(prog.SubTitle)); err != nil {
			return err
		}
	}
	if prog.Description != "" {
		if _, err := fmt.Fprintf(w.w, `    <desc lang="%s">%s</desc>`+"\n", lang, xmlEscape(truncate(prog.Description, MaxDescriptionLen))); err != nil {
			return err
		}
	}
	if prog.Category != "" {
		if _, err := fmt.Fprintf(w.w, `    <category lang="%s">%s</category>`+"\n", lang, xmlEscape(prog.Category)); err != nil {
			return err
		}
	}
	if prog.Icon != "" {
		if _, err := fmt.Fprintf(w.w, `    <icon src="%s"/>`+"\n", xmlEscape(prog.Icon)); err != nil {
			return err
		}
	}
	if prog.EpisodeNum != "" {
		if _, err := fmt.Fprintf(w.w, `    <episode-num system="onscreen">%s</episode-num>`+"\n", xmlEscape(prog.EpisodeNum)); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(w.w, "  </programme>")
	return err
}

// WriteFooter closes the tv element.
func (w *Writer) WriteFooter() error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w.w, "</tv>")
	return err
}

// formatTime renders a timestamp in XMLTV form, always in UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format("20060102150405 +0000")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// xmlEscape escapes special XML characters.
func xmlEscape(s string) string {
	var buf []byte
	xml.EscapeText((*xmlEscapeWriter)(&buf), []byte(s))
	return string(buf)
}

type xmlEscapeWriter []byte

func (w *xmlEscapeWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
