// Package ffmpeg builds transcoder command lines. Everything here is pure
// argument assembly; process execution belongs to the pool.
package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultBinary is used when no ffmpeg path is configured.
const DefaultBinary = "ffmpeg"

// Builder assembles an ffmpeg argument list with a fluent API. Arguments
// are bucketed into global, input and output sections so callers can add
// flags in any order and still get a well-formed command line.
type Builder struct {
	binary       string
	globalArgs   []string
	inputArgs    []string
	input        string
	videoFilters []string
	audioFilters []string
	outputArgs   []string
	output       string
	logLevel     string
}

// NewBuilder creates a builder for the given binary, defaulting the output
// to stdout.
func NewBuilder(binary string) *Builder {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Builder{
		binary:   binary,
		logLevel: "error",
		output:   "pipe:1",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *Builder) LogLevel(level string) *Builder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner suppresses the startup banner.
func (b *Builder) HideBanner() *Builder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStats suppresses the periodic progress line, keeping stderr to actual
// diagnostics.
func (b *Builder) NoStats() *Builder {
	b.globalArgs = append(b.globalArgs, "-nostats")
	return b
}

// GlobalArgs adds arbitrary global arguments.
func (b *Builder) GlobalArgs(args ...string) *Builder {
	b.globalArgs = append(b.globalArgs, args...)
	return b
}

// Input sets the input source.
func (b *Builder) Input(input string) *Builder {
	b.input = input
	return b
}

// InputFormat forces the input demuxer, e.g. "lavfi" for synthetic
// sources.
func (b *Builder) InputFormat(format string) *Builder {
	b.inputArgs = append(b.inputArgs, "-f", format)
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *Builder) InputArgs(args ...string) *Builder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Reconnect enables automatic reconnection for network inputs.
func (b *Builder) Reconnect() *Builder {
	b.inputArgs = append(b.inputArgs,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5")
	return b
}

// ErrorTolerance keeps a long-running stream alive across damaged input:
// corrupt packets are dropped and missing timestamps regenerated instead of
// aborting the process.
func (b *Builder) ErrorTolerance() *Builder {
	b.inputArgs = append(b.inputArgs,
		"-err_detect", "ignore_err",
		"-fflags", "+genpts+discardcorrupt")
	return b
}

// Realtime paces input reads at native frame rate. Required for
// pre-recorded content going to a live mux.
func (b *Builder) Realtime() *Builder {
	b.inputArgs = append(b.inputArgs, "-re")
	return b
}

// SeekTo seeks the input before demuxing starts. No-op for non-positive
// offsets.
func (b *Builder) SeekTo(offset time.Duration) *Builder {
	if offset <= 0 {
		return b
	}
	b.inputArgs = append(b.inputArgs, "-ss", formatSeekOffset(offset))
	return b
}

// VideoCodec sets the video codec.
func (b *Builder) VideoCodec(codec string) *Builder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *Builder) AudioCodec(codec string) *Builder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate sets the video bitrate, e.g. "4000k".
func (b *Builder) VideoBitrate(bitrate string) *Builder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// AudioBitrate sets the audio bitrate, e.g. "192k".
func (b *Builder) AudioBitrate(bitrate string) *Builder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// VideoPreset sets the encoder preset.
func (b *Builder) VideoPreset(preset string) *Builder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// AudioChannels sets the output channel count.
func (b *Builder) AudioChannels(channels int) *Builder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// VideoFilter appends a video filter; filters join into one -vf chain in
// the order added.
func (b *Builder) VideoFilter(filter string) *Builder {
	b.videoFilters = append(b.videoFilters, filter)
	return b
}

// AudioFilter appends an audio filter.
func (b *Builder) AudioFilter(filter string) *Builder {
	b.audioFilters = append(b.audioFilters, filter)
	return b
}

// BitstreamFilter applies a bitstream filter to a stream specifier, e.g.
// BitstreamFilter("v", "h264_mp4toannexb").
func (b *Builder) BitstreamFilter(stream, filter string) *Builder {
	b.outputArgs = append(b.outputArgs, "-bsf:"+stream, filter)
	return b
}

// Map selects an input stream for the output.
func (b *Builder) Map(specifier string) *Builder {
	b.outputArgs = append(b.outputArgs, "-map", specifier)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *Builder) OutputArgs(args ...string) *Builder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs selects the MPEG-TS muxer with PAT/PMT resent periodically so
// subscribers joining mid-stream can lock on.
func (b *Builder) MpegtsArgs() *Builder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-mpegts_flags", "+resend_headers+initial_discontinuity",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096")
	return b
}

// CopyTimestamps preserves input timestamps through the mux. Paired with
// stream copy; transcodes let the encoder stamp fresh timestamps.
func (b *Builder) CopyTimestamps() *Builder {
	b.outputArgs = append(b.outputArgs,
		"-mpegts_copyts", "1",
		"-avoid_negative_ts", "disabled")
	return b
}

// FlushPackets writes mux output immediately instead of buffering.
func (b *Builder) FlushPackets() *Builder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// MuxDelay sets the muxer delay.
func (b *Builder) MuxDelay(delay string) *Builder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// Output overrides the output target (default "pipe:1").
func (b *Builder) Output(output string) *Builder {
	b.output = output
	return b
}

// Build assembles the full argument vector, binary first, ready to hand to
// the pool.
func (b *Builder) Build() []string {
	args := []string{b.binary, "-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	if len(b.videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(b.videoFilters, ","))
	}
	if len(b.audioFilters) > 0 {
		args = append(args, "-af", strings.Join(b.audioFilters, ","))
	}
	args = append(args, b.outputArgs...)
	args = append(args, b.output)
	return args
}

// formatSeekOffset renders a duration as fractional seconds the way ffmpeg
// expects ("93.500").
func formatSeekOffset(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
