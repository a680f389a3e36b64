// Package codec implements the self-describing compression format used for
// stored documents.
//
// Every compressed value starts with a 13 byte header:
//
//	[magic "DZC1": 4][level: 1][original length: uint32 LE][checksum: uint32 LE][payload]
//
// The checksum is the low 32 bits of the xxHash64 of the original bytes.
// Decompress validates the header and the checksum and never returns partial
// data: any mismatch yields a *CorruptedDataError.
//
// Levels trade ratio for CPU. None stores the payload as is, Fast uses LZ4
// block compression for latency sensitive paths, and Balanced, Best and Ultra
// use zstd at increasing effort. When a compressor does not shrink the input
// the payload is stored uncompressed and the level byte is flagged.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Level selects the compression algorithm and effort.
type Level uint8

const (
	None     Level = 0
	Fast     Level = 1
	Balanced Level = 5
	Best     Level = 9
	Ultra    Level = 12
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Fast:
		return "fast"
	case Balanced:
		return "balanced"
	case Best:
		return "best"
	case Ultra:
		return "ultra"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case None, Fast, Balanced, Best, Ultra:
		return true
	default:
		return false
	}
}

// ParseLevel parses a level name such as "fast" or "balanced".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return None, nil
	case "fast", "1":
		return Fast, nil
	case "balanced", "5", "":
		return Balanced, nil
	case "best", "9":
		return Best, nil
	case "ultra", "12":
		return Ultra, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

const (
	// HeaderSize is the size of the fixed header in bytes.
	HeaderSize = 13
	// MaxInputSize bounds the original length of a value. It matches the
	// document size cap.
	MaxInputSize = 4 << 20

	magic      = "DZC1"
	storedFlag = 0x80
)

var (
	// ErrCorruptedData is the sentinel matched by every *CorruptedDataError.
	ErrCorruptedData = errors.New("corrupted data")
	// ErrInvalidLevel is returned for unknown compression levels.
	ErrInvalidLevel = errors.New("invalid compression level")
	// ErrInputTooLarge is returned for inputs above MaxInputSize.
	ErrInputTooLarge = errors.New("input too large")
)

// CorruptedDataError describes why a compressed value was rejected.
type CorruptedDataError struct {
	Reason string
}

func (e *CorruptedDataError) Error() string {
	return "corrupted data: " + e.Reason
}

// Is makes errors.Is(err, ErrCorruptedData) match.
func (e *CorruptedDataError) Is(target error) bool { return target == ErrCorruptedData }

func corrupted(format string, args ...any) error {
	return &CorruptedDataError{Reason: fmt.Sprintf(format, args...)}
}

// Header is the decoded fixed header of a compressed value.
type Header struct {
	Level          Level
	Stored         bool
	OriginalLength uint32
	Checksum       uint32
}

// Compress encodes data at the given level.
func Compress(data []byte, level Level) ([]byte, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if len(data) > MaxInputSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(data))
	}

	var (
		payload []byte
		err     error
	)
	switch level {
	case None:
	case Fast:
		payload, err = compressLZ4(data)
	default:
		payload, err = compressZstd(data, level)
	}
	if err != nil {
		return nil, err
	}

	levelByte := byte(level)
	if level != None && (payload == nil || len(payload) >= len(data)) {
		payload = nil
		levelByte |= storedFlag
	}
	if payload == nil {
		payload = data
	}

	out := make([]byte, HeaderSize+len(payload))
	copy(out, magic)
	out[4] = levelByte
	binary.LittleEndian.PutUint32(out[5:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[9:], checksum(data))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decompress validates and decodes a value produced by Compress.
func Decompress(data []byte) ([]byte, error) {
	h, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	payload := data[HeaderSize:]
	// The length comes from the frame; bound it before sizing any buffer.
	if h.OriginalLength > MaxInputSize {
		return nil, corrupted("header length %d exceeds %d", h.OriginalLength, MaxInputSize)
	}

	var out []byte
	switch {
	case h.Stored || h.Level == None:
		if uint32(len(payload)) != h.OriginalLength {
			return nil, corrupted("stored payload is %d bytes, header says %d", len(payload), h.OriginalLength)
		}
		out = make([]byte, len(payload))
		copy(out, payload)
	case h.Level == Fast:
		out, err = decompressLZ4(payload, h.OriginalLength)
	default:
		out, err = decompressZstd(payload, h.OriginalLength)
	}
	if err != nil {
		return nil, err
	}

	if sum := checksum(out); sum != h.Checksum {
		return nil, corrupted("checksum mismatch: got %08x, want %08x", sum, h.Checksum)
	}
	return out, nil
}

// Inspect decodes and validates the header without touching the payload.
func Inspect(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, corrupted("%d bytes is shorter than the header", len(data))
	}
	if string(data[:4]) != magic {
		return Header{}, corrupted("bad magic %q", data[:4])
	}
	h := Header{
		Level:          Level(data[4] &^ storedFlag),
		Stored:         data[4]&storedFlag != 0,
		OriginalLength: binary.LittleEndian.Uint32(data[5:]),
		Checksum:       binary.LittleEndian.Uint32(data[9:]),
	}
	if !h.Level.Valid() {
		return Header{}, corrupted("unknown level %d", h.Level)
	}
	return h, nil
}

func checksum(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}

// Stats describes a single compression call.
type Stats struct {
	Level          Level
	OriginalSize   int
	CompressedSize int
	Duration       time.Duration
}

// Ratio returns original/compressed size (1.0 for empty input).
func (s Stats) Ratio() float64 {
	return Ratio(s.OriginalSize, s.CompressedSize)
}

// SpaceSaving returns the fraction of bytes saved, negative when the output grew.
func (s Stats) SpaceSaving() float64 {
	if s.OriginalSize == 0 {
		return 0
	}
	return 1 - float64(s.CompressedSize)/float64(s.OriginalSize)
}

// Ratio returns original/compressed, or 1 when either side is empty.
func Ratio(original, compressed int) float64 {
	if original == 0 || compressed == 0 {
		return 1
	}
	return float64(original) / float64(compressed)
}

// CompressWithStats is Compress plus size and timing information.
func CompressWithStats(data []byte, level Level) ([]byte, Stats, error) {
	start := time.Now()
	out, err := Compress(data, level)
	if err != nil {
		return nil, Stats{}, err
	}
	return out, Stats{
		Level:          level,
		OriginalSize:   len(data),
		CompressedSize: len(out),
		Duration:       time.Since(start),
	}, nil
}
