package classifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Classifier maps a waveform to the most likely audio event label. The model
// and labels are fixed at construction and shared by every session.
type Classifier struct {
	model  Model
	labels Labels

	// Statistics
	totalWindows   uint64
	failedWindows  uint64
	labelCounts    map[string]uint64
	totalLatency   time.Duration
	lastClassified time.Time

	mu sync.RWMutex
}

// Result represents the outcome of classifying one window
type Result struct {
	Index          int           `json:"index"`           // Winning class index
	Label          string        `json:"label"`           // Display name of the winning class
	Score          float32       `json:"score"`           // Frame-averaged score of the winning class
	Frames         int           `json:"frames"`          // Number of model frames averaged
	ProcessingTime time.Duration `json:"processing_time"` // Time taken by the model and reduction
	Timestamp      time.Time     `json:"timestamp"`       // When classification finished
}

// LabelCount is a label with the number of windows it won
type LabelCount struct {
	Label string `json:"label"`
	Count uint64 `json:"count"`
}

// Stats represents classifier statistics
type Stats struct {
	Classes        int           `json:"classes"`
	TotalWindows   uint64        `json:"total_windows"`
	FailedWindows  uint64        `json:"failed_windows"`
	AvgLatency     time.Duration `json:"avg_latency"`
	LastClassified time.Time     `json:"last_classified"`
	TopLabels      []LabelCount  `json:"top_labels"`
}

// New creates a classifier for model with the given class labels
func New(model Model, labels Labels) (*Classifier, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("labels cannot be empty")
	}

	return &Classifier{
		model:       model,
		labels:      labels,
		labelCounts: make(map[string]uint64),
	}, nil
}

// Classify runs the model on waveform, averages the scores over frames and
// returns the highest scoring label.
func (c *Classifier) Classify(ctx context.Context, waveform []float32) (*Result, error) {
	startTime := time.Now()

	result, err := c.classify(ctx, waveform)
	elapsed := time.Since(startTime)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalWindows++
	c.totalLatency += elapsed
	if err != nil {
		c.failedWindows++
		return nil, err
	}

	result.ProcessingTime = elapsed
	result.Timestamp = time.Now()
	c.labelCounts[result.Label]++
	c.lastClassified = result.Timestamp

	return result, nil
}

func (c *Classifier) classify(ctx context.Context, waveform []float32) (*Result, error) {
	if len(waveform) == 0 {
		return nil, fmt.Errorf("waveform is empty")
	}

	scores, err := c.model.Predict(ctx, waveform)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}

	mean, err := scores.Mean()
	if err != nil {
		return nil, fmt.Errorf("invalid model output: %w", err)
	}

	if len(mean) > len(c.labels) {
		return nil, fmt.Errorf("model returned %d classes but class map has %d", len(mean), len(c.labels))
	}

	index, score := ArgMax(mean)
	label, err := c.labels.Name(index)
	if err != nil {
		return nil, err
	}

	return &Result{
		Index:  index,
		Label:  label,
		Score:  score,
		Frames: scores.Frames(),
	}, nil
}

// Labels returns the class map
func (c *Classifier) Labels() Labels {
	return c.labels
}

// GetStats returns current classifier statistics. TopLabels is sorted by
// count, most frequent first.
func (c *Classifier) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	avgLatency := time.Duration(0)
	if c.totalWindows > 0 {
		avgLatency = c.totalLatency / time.Duration(c.totalWindows)
	}

	top := make([]LabelCount, 0, len(c.labelCounts))
	for label, count := range c.labelCounts {
		top = append(top, LabelCount{Label: label, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Label < top[j].Label
	})

	return Stats{
		Classes:        len(c.labels),
		TotalWindows:   c.totalWindows,
		FailedWindows:  c.failedWindows,
		AvgLatency:     avgLatency,
		LastClassified: c.lastClassified,
		TopLabels:      top,
	}
}
