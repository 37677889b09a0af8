package ffmpeg

import "strings"

// HWAccel identifies a hardware encoder family.
type HWAccel string

const (
	HWAccelNone         HWAccel = "none"
	HWAccelVideoToolbox HWAccel = "videotoolbox"
	HWAccelNVENC        HWAccel = "nvenc"
	HWAccelQSV          HWAccel = "qsv"
	HWAccelVAAPI        HWAccel = "vaapi"
	HWAccelAMF          HWAccel = "amf"
)

// SoftwareEncoder is the CPU fallback for every accelerator.
const SoftwareEncoder = "libx264"

// DefaultVAAPIDevice is the render node used when no device is configured.
const DefaultVAAPIDevice = "/dev/dri/renderD128"

var h264Encoders = map[HWAccel]string{
	HWAccelVideoToolbox: "h264_videotoolbox",
	HWAccelNVENC:        "h264_nvenc",
	HWAccelQSV:          "h264_qsv",
	HWAccelVAAPI:        "h264_vaapi",
	HWAccelAMF:          "h264_amf",
}

// ParseHWAccel maps a configuration string to an accelerator. Unknown or
// empty values parse as none.
func ParseHWAccel(s string) (HWAccel, bool) {
	switch h := HWAccel(strings.ToLower(strings.TrimSpace(s))); h {
	case HWAccelVideoToolbox, HWAccelNVENC, HWAccelQSV, HWAccelVAAPI, HWAccelAMF:
		return h, true
	case HWAccelNone, "":
		return HWAccelNone, true
	default:
		return HWAccelNone, false
	}
}

// Encoder returns the H.264 encoder for the accelerator, falling back to
// software.
func (h HWAccel) Encoder() string {
	if enc, ok := h264Encoders[h]; ok {
		return enc
	}
	return SoftwareEncoder
}

// Hardware reports whether the accelerator names a real device.
func (h HWAccel) Hardware() bool {
	_, ok := h264Encoders[h]
	return ok
}

// DecodeArgs returns the input-side acceleration flags. Only accelerators
// whose decoders hand back system-memory frames are used here; QSV and
// VAAPI surfaces do not mix with the software filter graph, so those two
// accelerate the encode side only.
func (h HWAccel) DecodeArgs() []string {
	switch h {
	case HWAccelNVENC:
		return []string{"-hwaccel", "cuda"}
	case HWAccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	default:
		return nil
	}
}

// PickAccel returns the first configured accelerator the probe accepts.
// Unknown names in the priority list are skipped; an empty list or no
// acceptance means software.
func PickAccel(priority []string, available func(HWAccel) bool) HWAccel {
	for _, name := range priority {
		accel, ok := ParseHWAccel(name)
		if !ok || accel == HWAccelNone {
			continue
		}
		if available == nil || available(accel) {
			return accel
		}
	}
	return HWAccelNone
}
