package ffmpeg

import (
	"fmt"
	"strings"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/resolver"
)

// Profile describes how a channel wants its stream encoded.
type Profile struct {
	// Binary is the ffmpeg path; empty uses DefaultBinary.
	Binary string

	// LogLevel is the ffmpeg log level for spawned processes.
	LogLevel string

	// AllowCopy permits stream copy for direct-play candidates.
	AllowCopy bool

	// HWAccel selects the encoder family when transcoding.
	HWAccel HWAccel

	// HWDevice overrides the accelerator device node (VAAPI render node).
	HWDevice string

	VideoBitrate  string
	AudioBitrate  string
	VideoPreset   string
	AudioChannels int

	// ExtraVideoFilters run on CPU frames. Any entry forces the software
	// encoder, since hardware surfaces cannot pass through them.
	ExtraVideoFilters []string
}

// DefaultProfile returns the stock encoding profile: copy when possible,
// software H.264 otherwise.
func DefaultProfile() Profile {
	return Profile{
		AllowCopy:     true,
		HWAccel:       HWAccelNone,
		VideoBitrate:  "4000k",
		AudioBitrate:  "192k",
		VideoPreset:   "veryfast",
		AudioChannels: 2,
	}
}

// BuildSource produces the argument vector that turns a resolved source
// into MPEG-TS on stdout. Decision order: stream copy when the source
// qualifies and the profile allows it, otherwise transcode with the
// profile's encoder, falling back to software when a CPU-only filter is in
// play. The offset is applied as an input seek only for seekable sources;
// live HTTP inputs always start at the head.
func BuildSource(src *resolver.ResolvedSource, p Profile, resume time.Duration) []string {
	b := NewBuilder(p.Binary).
		LogLevel(p.LogLevel).
		HideBanner().
		NoStats()

	if isHTTPSource(src.PrimaryURI) {
		b.Reconnect()
	}
	b.ErrorTolerance()
	if src.DurationKnown {
		b.Realtime()
	}
	if Seekable(src) {
		b.SeekTo(resume)
	}

	copying := src.DirectPlayCandidate && p.AllowCopy && len(p.ExtraVideoFilters) == 0

	accel := p.HWAccel
	if len(p.ExtraVideoFilters) > 0 {
		accel = HWAccelNone
	}
	if !copying {
		b.InputArgs(accel.DecodeArgs()...)
	}

	b.Input(src.PrimaryURI)

	if src.AudioPick != nil && !src.AudioPick.External {
		b.Map("0:v:0")
		b.Map(fmt.Sprintf("0:%d", src.AudioPick.Index))
	}

	if copying {
		b.VideoCodec("copy").AudioCodec("copy")
		if bsf := annexBFilter(src); bsf != "" {
			b.BitstreamFilter("v", bsf)
		}
		b.CopyTimestamps()
	} else {
		applyEncoder(b, accel, p)
		b.AudioCodec("aac")
		if p.AudioBitrate != "" {
			b.AudioBitrate(p.AudioBitrate)
		}
		if p.AudioChannels > 0 && src.AudioPick != nil && src.AudioPick.Downmix {
			b.AudioChannels(p.AudioChannels)
		}
	}

	return b.MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		Build()
}

func applyEncoder(b *Builder, accel HWAccel, p Profile) {
	for _, f := range p.ExtraVideoFilters {
		b.VideoFilter(f)
	}
	if accel == HWAccelVAAPI {
		device := p.HWDevice
		if device == "" {
			device = DefaultVAAPIDevice
		}
		b.GlobalArgs("-vaapi_device", device)
		// The VAAPI encoder only accepts hardware frames.
		b.VideoFilter("format=nv12,hwupload")
	}
	b.VideoCodec(accel.Encoder())
	if !accel.Hardware() && p.VideoPreset != "" {
		b.VideoPreset(p.VideoPreset)
	}
	if p.VideoBitrate != "" {
		b.VideoBitrate(p.VideoBitrate)
	}
}

// Seekable reports whether an input seek is meaningful for the source.
// Local paths always seek; HTTP sources seek only when the provider
// reported a runtime, which live streams never have.
func Seekable(src *resolver.ResolvedSource) bool {
	return !isHTTPSource(src.PrimaryURI) || src.DurationKnown
}

func isHTTPSource(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// annexBFilter returns the bitstream filter needed to copy the source's
// video into MPEG-TS. Transport stream sources are already Annex B;
// MP4-family containers carry AVCC and need conversion.
func annexBFilter(src *resolver.ResolvedSource) string {
	if strings.EqualFold(src.ContainerHint, "mpegts") {
		return ""
	}
	switch strings.ToLower(src.VideoCodecHint) {
	case "hevc", "h265":
		return "hevc_mp4toannexb"
	default:
		return "h264_mp4toannexb"
	}
}
