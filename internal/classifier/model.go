package classifier

import (
	"context"
	"fmt"
)

// Model is a pretrained audio event model. Predict takes a mono 16 kHz
// waveform normalized to [-1, 1] and returns a frames x classes score matrix.
// Implementations must be safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, waveform []float32) (ScoreMatrix, error)
}

// ModelFunc adapts a function to the Model interface
type ModelFunc func(ctx context.Context, waveform []float32) (ScoreMatrix, error)

// Predict calls f(ctx, waveform)
func (f ModelFunc) Predict(ctx context.Context, waveform []float32) (ScoreMatrix, error) {
	return f(ctx, waveform)
}

// ScoreMatrix holds per-frame class scores, indexed [frame][class]
type ScoreMatrix [][]float32

// Frames returns the number of frames
func (m ScoreMatrix) Frames() int {
	return len(m)
}

// Classes returns the number of classes, or 0 for an empty matrix
func (m ScoreMatrix) Classes() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validate checks that the matrix is non-empty and rectangular
func (m ScoreMatrix) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("score matrix has no frames")
	}

	classes := len(m[0])
	if classes == 0 {
		return fmt.Errorf("score matrix has no classes")
	}

	for i, row := range m {
		if len(row) != classes {
			return fmt.Errorf("score matrix frame %d has %d classes, expected %d", i, len(row), classes)
		}
	}

	return nil
}

// Mean averages the scores over frames
func (m ScoreMatrix) Mean() ([]float32, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	sums := make([]float64, m.Classes())
	for _, row := range m {
		for c, score := range row {
			sums[c] += float64(score)
		}
	}

	mean := make([]float32, len(sums))
	frames := float64(len(m))
	for c, sum := range sums {
		mean[c] = float32(sum / frames)
	}
	return mean, nil
}

// ArgMax returns the index and value of the largest score. Ties resolve to
// the lowest index. It returns -1 for an empty slice.
func ArgMax(scores []float32) (int, float32) {
	if len(scores) == 0 {
		return -1, 0
	}

	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, scores[best]
}
