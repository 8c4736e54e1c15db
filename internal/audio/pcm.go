package audio

import (
	"encoding/binary"
	"math"
)

// Int16Scale is the divisor used to normalize int16 samples. It is the
// maximum positive int16 value, so -32768 decodes slightly below -1.0.
const Int16Scale = math.MaxInt16

// Waveform is a sequence of normalized floating-point samples
type Waveform []float32

// DecodeWaveform interprets b as int16 little-endian samples and normalizes
// them by Int16Scale. A trailing odd byte is ignored.
func DecodeWaveform(b []byte) Waveform {
	n := len(b) / 2
	waveform := make(Waveform, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(b[i*2:]))
		waveform[i] = float32(sample) / Int16Scale
	}
	return waveform
}

// EncodePCM16 converts normalized samples back to int16 little-endian bytes,
// clipping anything outside the int16 range.
func EncodePCM16(w Waveform) []byte {
	out := make([]byte, len(w)*2)
	for i, s := range w {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(float64(s))))
	}
	return out
}

// BytesToSamples converts int16 little-endian bytes to samples
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples to int16 little-endian bytes
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SamplesToWaveform normalizes int16 samples the same way DecodeWaveform does
func SamplesToWaveform(samples []int16) Waveform {
	waveform := make(Waveform, len(samples))
	for i, s := range samples {
		waveform[i] = float32(s) / Int16Scale
	}
	return waveform
}

func floatToInt16(s float64) int16 {
	v := math.Round(s * Int16Scale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
