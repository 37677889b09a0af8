package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"standard hours", "24h", 24 * time.Hour, false},
		{"standard mixed", "1h30m", 90 * time.Minute, false},
		{"milliseconds", "200ms", 200 * time.Millisecond, false},
		{"days short", "30d", 30 * Day, false},
		{"days word", "30 days", 30 * Day, false},
		{"weeks", "2w", 2 * Week, false},
		{"months", "1 month", Month, false},
		{"years", "1y", Year, false},
		{"combined extended", "1w2d12h", Week + 2*Day + 12*time.Hour, false},
		{"full word hours", "3 hours", 3 * time.Hour, false},
		{"full word minutes", "30 minutes", 30 * time.Minute, false},
		{"negative", "-30s", -30 * time.Second, false},
		{"empty", "", 0, true},
		{"garbage", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Duration
		expected string
	}{
		{"zero", 0, "0s"},
		{"seconds", 45 * time.Second, "45s"},
		{"minutes and seconds", 90 * time.Second, "1m30s"},
		{"hours", 2 * time.Hour, "2h"},
		{"day rollover", 25 * time.Hour, "1d1h"},
		{"milliseconds", 250 * time.Millisecond, "250ms"},
		{"negative", -time.Minute, "-1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.input))
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		30 * time.Second,
		5 * time.Minute,
		24 * time.Hour,
		Day + 2*time.Hour + 15*time.Minute,
	} {
		parsed, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
}

func TestDurationInYAML(t *testing.T) {
	var cfg struct {
		LongRun Duration `yaml:"long_run"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("long_run: 24h\n"), &cfg))
	assert.Equal(t, 24*time.Hour, cfg.LongRun.D())

	text, err := cfg.LongRun.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1d", string(text))
}
