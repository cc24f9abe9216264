package audio

import (
	"encoding/binary"
	"math"
)

// MaxAmplitude is the largest magnitude Peak reports.
const MaxAmplitude = 32767

// Peak returns the largest absolute sample value in a block of 16-bit
// little-endian PCM. A trailing odd byte is ignored. -32768 is reported as
// MaxAmplitude.
func Peak(frame []byte) int {
	peak := 0
	for i := 0; i+1 < len(frame); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(frame[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak > MaxAmplitude {
		peak = MaxAmplitude
	}
	return peak
}

// SilenceLevel is the level reported for a zero amplitude, the noise floor
// of 16-bit PCM.
const SilenceLevel = -96.3

// Level converts a peak amplitude to dBFS, rounded to one decimal.
func Level(amplitude int) float64 {
	if amplitude <= 0 {
		return SilenceLevel
	}
	if amplitude > MaxAmplitude {
		amplitude = MaxAmplitude
	}
	db := 20 * math.Log10(float64(amplitude)/MaxAmplitude)
	return math.Max(math.Round(db*10)/10, SilenceLevel)
}

// Int16ToBytes encodes samples as little-endian PCM into dst, which must be
// at least 2*len(samples) long.
func Int16ToBytes(dst []byte, samples []int16) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
	}
}

// BytesToInt16 decodes little-endian PCM from src into dst.
func BytesToInt16(dst []int16, src []byte) {
	for i := range dst {
		if 2*i+1 >= len(src) {
			dst[i] = 0
			continue
		}
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
}
