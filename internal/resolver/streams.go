package resolver

import (
	"strings"

	"golang.org/x/text/language"
)

// streamType distinguishes the elementary streams the pickers care about.
type streamType int

const (
	streamAudio streamType = iota
	streamSubtitle
)

// streamInfo is the provider-neutral view of one elementary stream.
type streamInfo struct {
	Index    int
	Type     streamType
	Codec    string
	Language string
	Default  bool
	Forced   bool
	External bool
	Channels int
}

// Text subtitle codecs burn in cheaply and survive stream copies; image
// formats need compositing. Text is preferred at equal language match.
var textSubtitleCodecs = map[string]bool{
	"srt":      true,
	"subrip":   true,
	"ass":      true,
	"ssa":      true,
	"webvtt":   true,
	"vtt":      true,
	"mov_text": true,
	"text":     true,
	"ttml":     true,
}

func isTextSubtitle(codec string) bool {
	return textSubtitleCodecs[strings.ToLower(codec)]
}

// Codecs MPEG-TS can carry as-is. H.264 from MP4-family containers still
// needs an Annex-B bitstream conversion, which the command builder adds.
var copyableVideoCodecs = map[string]bool{
	"h264": true,
	"avc":  true,
	"avc1": true,
}

var copyableAudioCodecs = map[string]bool{
	"aac":  true,
	"ac3":  true,
	"eac3": true,
	"mp3":  true,
	"mp2":  true,
}

// directPlayable reports whether the source's streams can be copied into
// MPEG-TS without re-encoding. Transport stream sources qualify outright;
// anything else needs a copyable video codec and, when reported, a copyable
// audio codec.
func directPlayable(container, videoCodec, audioCodec string) bool {
	if strings.EqualFold(container, "ts") || strings.EqualFold(container, "mpegts") {
		return true
	}
	if !copyableVideoCodecs[strings.ToLower(videoCodec)] {
		return false
	}
	return audioCodec == "" || copyableAudioCodecs[strings.ToLower(audioCodec)]
}

// sameLanguage compares provider-reported language codes, tolerating the
// two-letter/three-letter split ("en" vs "eng").
func sameLanguage(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	baseA, _ := ta.Base()
	baseB, _ := tb.Base()
	return baseA == baseB
}

func toPick(s streamInfo) *StreamPick {
	return &StreamPick{
		Index:    s.Index,
		Codec:    s.Codec,
		Language: s.Language,
		Forced:   s.Forced,
		External: s.External,
	}
}

// pickSubtitle chooses the subtitle stream to burn in: exact language match
// with a text codec first, exact language in any codec second, the
// default-flagged stream third, the first stream last. Nil when the source
// carries no subtitles.
func pickSubtitle(streams []streamInfo, lang string) *StreamPick {
	var subs []streamInfo
	for _, s := range streams {
		if s.Type == streamSubtitle {
			subs = append(subs, s)
		}
	}
	if len(subs) == 0 {
		return nil
	}
	for _, s := range subs {
		if sameLanguage(s.Language, lang) && isTextSubtitle(s.Codec) {
			return toPick(s)
		}
	}
	for _, s := range subs {
		if sameLanguage(s.Language, lang) {
			return toPick(s)
		}
	}
	for _, s := range subs {
		if s.Default {
			return toPick(s)
		}
	}
	return toPick(subs[0])
}

// pickAudio chooses the audio stream: exact language match first, the
// default-flagged stream second, the first stream last. Downmix is
// requested only when the chosen layout exceeds the target channel count.
func pickAudio(streams []streamInfo, lang string, targetChannels int) *StreamPick {
	var audio []streamInfo
	for _, s := range streams {
		if s.Type == streamAudio {
			audio = append(audio, s)
		}
	}
	if len(audio) == 0 {
		return nil
	}
	chosen := audio[0]
	found := false
	for _, s := range audio {
		if sameLanguage(s.Language, lang) {
			chosen = s
			found = true
			break
		}
	}
	if !found {
		for _, s := range audio {
			if s.Default {
				chosen = s
				break
			}
		}
	}
	pick := toPick(chosen)
	pick.Downmix = targetChannels > 0 && chosen.Channels > targetChannels
	return pick
}
