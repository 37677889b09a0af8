package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHWAccel(t *testing.T) {
	cases := []struct {
		in   string
		want HWAccel
		ok   bool
	}{
		{"videotoolbox", HWAccelVideoToolbox, true},
		{" NVENC ", HWAccelNVENC, true},
		{"qsv", HWAccelQSV, true},
		{"vaapi", HWAccelVAAPI, true},
		{"amf", HWAccelAMF, true},
		{"none", HWAccelNone, true},
		{"", HWAccelNone, true},
		{"cuda", HWAccelNone, false},
		{"bogus", HWAccelNone, false},
	}
	for _, tc := range cases {
		got, ok := ParseHWAccel(tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
	}
}

func TestEncoderSelection(t *testing.T) {
	assert.Equal(t, "h264_videotoolbox", HWAccelVideoToolbox.Encoder())
	assert.Equal(t, "h264_nvenc", HWAccelNVENC.Encoder())
	assert.Equal(t, "h264_qsv", HWAccelQSV.Encoder())
	assert.Equal(t, "h264_vaapi", HWAccelVAAPI.Encoder())
	assert.Equal(t, "h264_amf", HWAccelAMF.Encoder())
	assert.Equal(t, SoftwareEncoder, HWAccelNone.Encoder())

	assert.True(t, HWAccelNVENC.Hardware())
	assert.False(t, HWAccelNone.Hardware())
}

func TestDecodeArgs(t *testing.T) {
	assert.Equal(t, []string{"-hwaccel", "cuda"}, HWAccelNVENC.DecodeArgs())
	assert.Equal(t, []string{"-hwaccel", "videotoolbox"}, HWAccelVideoToolbox.DecodeArgs())
	assert.Nil(t, HWAccelVAAPI.DecodeArgs())
	assert.Nil(t, HWAccelQSV.DecodeArgs())
	assert.Nil(t, HWAccelNone.DecodeArgs())
}

func TestPickAccel(t *testing.T) {
	priority := []string{"videotoolbox", "nvenc", "qsv", "vaapi", "amf"}

	t.Run("first available wins", func(t *testing.T) {
		got := PickAccel(priority, func(h HWAccel) bool { return h == HWAccelQSV || h == HWAccelVAAPI })
		assert.Equal(t, HWAccelQSV, got)
	})

	t.Run("nothing available means software", func(t *testing.T) {
		got := PickAccel(priority, func(HWAccel) bool { return false })
		assert.Equal(t, HWAccelNone, got)
	})

	t.Run("nil probe accepts the first valid entry", func(t *testing.T) {
		got := PickAccel([]string{"bogus", "none", "vaapi"}, nil)
		assert.Equal(t, HWAccelVAAPI, got)
	})

	t.Run("empty priority", func(t *testing.T) {
		assert.Equal(t, HWAccelNone, PickAccel(nil, nil))
	})
}
