package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/audiolibrelab/tapedeck/internal/audio"
)

// HeaderSize is the length of the canonical PCM header.
const HeaderSize = 44

const pcmFormatTag = 1

// MaxDataSize is the largest data length whose RIFF size still fits the
// 32-bit header field.
const MaxDataSize = math.MaxUint32 - (HeaderSize - 8)

// dataSizeField converts a PCM byte count to the header field, clamping
// at MaxDataSize. clamped reports whether n did not fit.
func dataSizeField(n int64) (size uint32, clamped bool) {
	if n < 0 {
		return 0, false
	}
	if n > MaxDataSize {
		return MaxDataSize, true
	}
	return uint32(n), false
}

// Header holds the fields of a canonical 44-byte PCM WAV header.
type Header struct {
	RiffSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Format returns the stream format the header describes.
func (h Header) Format() audio.Format {
	return audio.Format{SampleRate: int(h.SampleRate), Channels: int(h.Channels)}
}

// EncodeHeader builds the header for dataSize bytes of 16-bit PCM in format f.
func EncodeHeader(f audio.Format, dataSize uint32) []byte {
	b := make([]byte, HeaderSize)

	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], dataSize+HeaderSize-8)
	copy(b[8:12], "WAVE")

	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], 16)
	binary.LittleEndian.PutUint16(b[20:22], pcmFormatTag)
	binary.LittleEndian.PutUint16(b[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(b[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(b[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(b[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(b[34:36], audio.BitDepth)

	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], dataSize)

	return b
}

// ReadHeader parses a canonical header from the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return Header{}, fmt.Errorf("failed to read header: %w", err)
	}

	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Header{}, fmt.Errorf("not a RIFF/WAVE file")
	}
	if string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return Header{}, fmt.Errorf("not a canonical PCM header")
	}

	return Header{
		RiffSize:      binary.LittleEndian.Uint32(b[4:8]),
		AudioFormat:   binary.LittleEndian.Uint16(b[20:22]),
		Channels:      binary.LittleEndian.Uint16(b[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(b[24:28]),
		ByteRate:      binary.LittleEndian.Uint32(b[28:32]),
		BlockAlign:    binary.LittleEndian.Uint16(b[32:34]),
		BitsPerSample: binary.LittleEndian.Uint16(b[34:36]),
		DataSize:      binary.LittleEndian.Uint32(b[40:44]),
	}, nil
}
