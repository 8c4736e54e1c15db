package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Format describes interleaved int16 PCM input
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) frameBytes() int {
	return 2 * f.Channels
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}
	return nil
}

func newMonoResampler(srcRate, dstRate int) (resampling.Resampler, error) {
	config := &resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	}
	r, err := resampling.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	return r, nil
}

// EnsureSampleRate converts a mono waveform from srcRate to dstRate. The
// result always holds round(len(w) / srcRate * dstRate) samples.
func EnsureSampleRate(w Waveform, srcRate, dstRate int) (Waveform, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate {
		return w, nil
	}

	desired := int(math.Round(float64(len(w)) / float64(srcRate) * float64(dstRate)))
	if desired == 0 {
		return Waveform{}, nil
	}

	r, err := newMonoResampler(srcRate, dstRate)
	if err != nil {
		return nil, err
	}

	input := make([]float64, len(w))
	for i, s := range w {
		input[i] = float64(s)
	}

	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	// Drain the samples still held by the filter stages
	flushed, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	output = append(output, flushed...)

	// Rounding can still leave the tail a sample or two short
	result := make(Waveform, desired)
	for i := 0; i < desired && i < len(output); i++ {
		result[i] = float32(output[i])
	}
	return result, nil
}

// StreamConverter turns arbitrarily fragmented interleaved int16 PCM into
// mono int16 PCM at a target rate. Partial frames are carried between calls.
// It is not safe for concurrent use.
type StreamConverter struct {
	src     Format
	dstRate int

	carry     []byte
	resampler resampling.Resampler
}

// NewStreamConverter creates a converter from src to mono at dstRate
func NewStreamConverter(src Format, dstRate int) (*StreamConverter, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	if dstRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive, got %d", dstRate)
	}

	c := &StreamConverter{src: src, dstRate: dstRate}
	if src.SampleRate != dstRate {
		r, err := newMonoResampler(src.SampleRate, dstRate)
		if err != nil {
			return nil, err
		}
		c.resampler = r
	}
	return c, nil
}

// Passthrough reports whether the converter leaves the audio untouched
func (c *StreamConverter) Passthrough() bool {
	return c.resampler == nil && c.src.Channels == 1
}

// Source returns the input format
func (c *StreamConverter) Source() Format {
	return c.src
}

// Convert consumes a chunk of source PCM and returns converted mono PCM.
// The result may be empty while the converter waits for a complete frame.
func (c *StreamConverter) Convert(chunk []byte) ([]byte, error) {
	data := append(c.carry, chunk...)
	frameBytes := c.src.frameBytes()
	usable := len(data) / frameBytes * frameBytes
	c.carry = append([]byte(nil), data[usable:]...)
	frames := data[:usable]

	if c.Passthrough() {
		return frames, nil
	}

	mono := c.downmix(frames)
	if c.resampler == nil {
		return encodeFloat64PCM16(mono), nil
	}

	output, err := c.resampler.Process(mono)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return encodeFloat64PCM16(output), nil
}

// downmix averages channels into normalized mono samples
func (c *StreamConverter) downmix(frames []byte) []float64 {
	samples := BytesToSamples(frames)
	channels := c.src.Channels
	mono := make([]float64, len(samples)/channels)
	for i := range mono {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = float64(sum) / float64(channels) / Int16Scale
	}
	return mono
}

func encodeFloat64PCM16(samples []float64) []byte {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return SamplesToBytes(out)
}
