// Package errorscreen synthesizes the fallback stream a channel plays when
// its real source is broken: a generated picture and tone built entirely
// from lavfi graphs, encoded to MPEG-TS on stdout. The package only builds
// the command line; the runtime acquires the process through the pool, so
// an error screen counts against the same transcoder budget as a real
// source.
package errorscreen

import (
	"fmt"
	"strings"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
)

// VisualMode selects the generated picture.
type VisualMode string

const (
	// VisualText renders the caption on a solid background.
	VisualText VisualMode = "text"
	// VisualStatic renders analog TV noise.
	VisualStatic VisualMode = "static"
	// VisualTestPattern renders SMPTE color bars.
	VisualTestPattern VisualMode = "test_pattern"
	// VisualSlate renders a configured still image with the caption.
	VisualSlate VisualMode = "slate"
)

// AudioMode selects the generated sound.
type AudioMode string

const (
	AudioSilent     AudioMode = "silent"
	AudioSine       AudioMode = "sine"
	AudioWhiteNoise AudioMode = "white_noise"
	AudioBeep       AudioMode = "beep"
)

// ParseVisualMode maps a configuration string to a visual mode, defaulting
// to text.
func ParseVisualMode(s string) (VisualMode, bool) {
	switch m := VisualMode(strings.ToLower(strings.TrimSpace(s))); m {
	case VisualStatic, VisualTestPattern, VisualSlate:
		return m, true
	case VisualText, "":
		return VisualText, true
	default:
		return VisualText, false
	}
}

// ParseAudioMode maps a configuration string to an audio mode, defaulting
// to silent.
func ParseAudioMode(s string) (AudioMode, bool) {
	switch m := AudioMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AudioSine, AudioWhiteNoise, AudioBeep:
		return m, true
	case AudioSilent, "":
		return AudioSilent, true
	default:
		return AudioSilent, false
	}
}

// Config describes the generated stream.
type Config struct {
	Binary   string
	LogLevel string

	Visual    VisualMode
	Audio     AudioMode
	SlatePath string

	Width     int
	Height    int
	Framerate int

	FontSize   int
	Background string
	Foreground string

	VideoBitrate string
}

// DefaultConfig returns the stock error screen: caption on black, silence.
func DefaultConfig() Config {
	return Config{
		Visual:       VisualText,
		Audio:        AudioSilent,
		Width:        1280,
		Height:       720,
		Framerate:    30,
		FontSize:     48,
		Background:   "black",
		Foreground:   "white",
		VideoBitrate: "1000k",
	}
}

func (c *Config) normalize() {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Framerate <= 0 {
		c.Framerate = 30
	}
	if c.FontSize <= 0 {
		c.FontSize = 48
	}
	if c.Background == "" {
		c.Background = "black"
	}
	if c.Foreground == "" {
		c.Foreground = "white"
	}
	if c.VideoBitrate == "" {
		c.VideoBitrate = "1000k"
	}
	if c.Visual == VisualSlate && c.SlatePath == "" {
		c.Visual = VisualText
	}
}

// Caption formats the on-screen diagnostic: channel name, the reason the
// real source is down, and the wall-clock time the screen went up.
func Caption(channel, reason string, at time.Time) string {
	return fmt.Sprintf("%s\n%s\n%s", channel, reason, at.Format("15:04:05"))
}

// Args builds the full transcoder argument vector for the error screen.
// The stream loops forever; the runtime stops it by releasing the lease.
func Args(cfg Config, caption string) []string {
	cfg.normalize()
	return ffmpeg.NewBuilder(cfg.Binary).
		LogLevel(cfg.LogLevel).
		HideBanner().
		NoStats().
		Realtime().
		InputFormat("lavfi").
		Input(graph(cfg, caption)).
		VideoCodec(ffmpeg.SoftwareEncoder).
		VideoPreset("veryfast").
		VideoBitrate(cfg.VideoBitrate).
		OutputArgs("-g", fmt.Sprintf("%d", cfg.Framerate*2)).
		AudioCodec("aac").
		AudioBitrate("128k").
		MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		Build()
}

// graph combines the video and audio sources into one lavfi input. The
// lavfi device maps [out0] and [out1] to the video and audio streams.
func graph(cfg Config, caption string) string {
	return videoGraph(cfg, caption) + "[out0];" + audioGraph(cfg) + "[out1]"
}

func videoGraph(cfg Config, caption string) string {
	size := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	switch cfg.Visual {
	case VisualStatic:
		// Grayscale noise regenerated every frame.
		return fmt.Sprintf("nullsrc=size=%s:rate=%d,geq=random(1)*255:128:128", size, cfg.Framerate)
	case VisualTestPattern:
		return fmt.Sprintf("smptehdbars=size=%s:rate=%d", size, cfg.Framerate)
	case VisualSlate:
		return fmt.Sprintf("movie='%s':loop=0,setpts=N/(%d*TB),scale=%d:%d,%s",
			escapeFilterValue(cfg.SlatePath), cfg.Framerate, cfg.Width, cfg.Height, drawtext(cfg, caption))
	default:
		return fmt.Sprintf("color=color=%s:size=%s:rate=%d,%s",
			cfg.Background, size, cfg.Framerate, drawtext(cfg, caption))
	}
}

func audioGraph(cfg Config) string {
	switch cfg.Audio {
	case AudioSine:
		return "sine=frequency=440:sample_rate=48000,aformat=channel_layouts=stereo"
	case AudioWhiteNoise:
		return "anoisesrc=colour=white:sample_rate=48000:amplitude=0.1,aformat=channel_layouts=stereo"
	case AudioBeep:
		return "sine=frequency=800:beep_factor=4:sample_rate=48000,aformat=channel_layouts=stereo"
	default:
		return "anullsrc=channel_layout=stereo:sample_rate=48000"
	}
}

func drawtext(cfg Config, caption string) string {
	return fmt.Sprintf("drawtext=text='%s':fontcolor=%s:fontsize=%d:x=(w-text_w)/2:y=(h-text_h)/2",
		escapeFilterValue(caption), cfg.Foreground, cfg.FontSize)
}

// escapeFilterValue escapes a string for use inside a quoted lavfi filter
// option. Backslashes, quotes, colons and percent signs are all special to
// the filter graph parser or drawtext expansion.
func escapeFilterValue(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(s)
}
