// Package mpegts provides MPEG transport stream helpers: packet alignment
// math for the fan-out path and a first-bytes probe that confirms a new
// source is producing a valid stream.
package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/asticode/go-astits"
)

const (
	// PacketSize is the fixed MPEG-TS packet length in bytes.
	PacketSize = 188

	// SyncByte starts every transport stream packet.
	SyncByte = 0x47

	// DefaultProbeLimit bounds how much of a new source the probe reads.
	DefaultProbeLimit = 64 * 1024
)

// Probe errors.
var (
	ErrNotTransportStream = errors.New("data does not look like an mpeg transport stream")
	ErrNoProgram          = errors.New("no program tables found in probe window")
)

// AlignDown returns the largest multiple of the packet size that is less
// than or equal to n.
func AlignDown(n int) int {
	if n < PacketSize {
		return 0
	}
	return n - n%PacketSize
}

// IsAligned reports whether n is a whole number of packets.
func IsAligned(n int) bool {
	return n%PacketSize == 0
}

// SyncOffset returns the offset of the first plausible packet boundary in
// buf: a sync byte that is followed by another sync byte one packet later,
// when the buffer is long enough to check. Returns -1 when none is found.
func SyncOffset(buf []byte) int {
	for i := 0; i < len(buf); i++ {
		if buf[i] != SyncByte {
			continue
		}
		next := i + PacketSize
		if next >= len(buf) || buf[next] == SyncByte {
			return i
		}
	}
	return -1
}

// Stream is one elementary stream of a probed program.
type Stream struct {
	PID   uint16 `json:"pid"`
	Type  uint8  `json:"type"`
	Codec string `json:"codec"`
}

// Program is one program of a probed transport stream.
type Program struct {
	Number  uint16   `json:"number"`
	PMTPID  uint16   `json:"pmt_pid"`
	PCRPID  uint16   `json:"pcr_pid"`
	Streams []Stream `json:"streams"`
}

// Result is what the probe learned from the first bytes of a stream.
type Result struct {
	Programs []Program `json:"programs"`
}

// VideoCodec returns the codec of the first video stream, or empty.
func (r *Result) VideoCodec() string {
	for _, p := range r.Programs {
		for _, s := range p.Streams {
			if isVideoType(s.Type) {
				return s.Codec
			}
		}
	}
	return ""
}

// AudioCodec returns the codec of the first audio stream, or empty.
func (r *Result) AudioCodec() string {
	for _, p := range r.Programs {
		for _, s := range p.Streams {
			if isAudioType(s.Type) {
				return s.Codec
			}
		}
	}
	return ""
}

// String renders a compact codec summary for log fields, like "h264+aac".
func (r *Result) String() string {
	var parts []string
	if v := r.VideoCodec(); v != "" {
		parts = append(parts, v)
	}
	if a := r.AudioCodec(); a != "" {
		parts = append(parts, a)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "+")
}

// Probe reads up to limit bytes from r and parses program tables. It
// returns once every program announced in the PAT has its PMT, or when the
// window is exhausted. A limit at or below zero uses DefaultProbeLimit.
//
// The caller keeps ownership of the bytes; tee the stream when the probed
// data must still reach subscribers.
func Probe(ctx context.Context, r io.Reader, limit int64) (*Result, error) {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}

	dmx := astits.NewDemuxer(ctx, io.LimitReader(r, limit))

	var pat *astits.PATData
	pmts := make(map[uint16]*astits.PMTData)

	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, context.Canceled) {
				break
			}
			if pat == nil && len(pmts) == 0 {
				return nil, fmt.Errorf("%w: %v", ErrNotTransportStream, err)
			}
			break
		}

		if d.PAT != nil {
			pat = d.PAT
		}
		if d.PMT != nil {
			pmts[d.PMT.ProgramNumber] = d.PMT
		}

		if pat != nil && havePMTs(pat, pmts) {
			break
		}
	}

	if pat == nil {
		return nil, ErrNoProgram
	}

	result := &Result{}
	for _, prog := range pat.Programs {
		// Program number zero points at the network table, not a program.
		if prog.ProgramNumber == 0 {
			continue
		}
		p := Program{
			Number: prog.ProgramNumber,
			PMTPID: prog.ProgramMapID,
		}
		if pmt, ok := pmts[prog.ProgramNumber]; ok {
			p.PCRPID = pmt.PCRPID
			for _, es := range pmt.ElementaryStreams {
				t := uint8(es.StreamType)
				p.Streams = append(p.Streams, Stream{
					PID:   es.ElementaryPID,
					Type:  t,
					Codec: codecName(t),
				})
			}
		}
		result.Programs = append(result.Programs, p)
	}

	if len(result.Programs) == 0 {
		return nil, ErrNoProgram
	}
	return result, nil
}

func havePMTs(pat *astits.PATData, pmts map[uint16]*astits.PMTData) bool {
	for _, prog := range pat.Programs {
		if prog.ProgramNumber == 0 {
			continue
		}
		if _, ok := pmts[prog.ProgramNumber]; !ok {
			return false
		}
	}
	return len(pat.Programs) > 0
}

// Stream type assignments from ISO 13818-1 plus the ATSC audio range.
func codecName(t uint8) string {
	switch t {
	case 0x01:
		return "mpeg1video"
	case 0x02:
		return "mpeg2video"
	case 0x03, 0x04:
		return "mp2"
	case 0x0f:
		return "aac"
	case 0x10:
		return "mpeg4video"
	case 0x11:
		return "aac_latm"
	case 0x1b:
		return "h264"
	case 0x24:
		return "hevc"
	case 0x81:
		return "ac3"
	case 0x87:
		return "eac3"
	default:
		return fmt.Sprintf("type_0x%02x", t)
	}
}

func isVideoType(t uint8) bool {
	switch t {
	case 0x01, 0x02, 0x10, 0x1b, 0x24:
		return true
	}
	return false
}

func isAudioType(t uint8) bool {
	switch t {
	case 0x03, 0x04, 0x0f, 0x11, 0x81, 0x87:
		return true
	}
	return false
}
