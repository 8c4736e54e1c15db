package audio

import (
	"fmt"
	"sync"
	"time"
)

// WindowConfig describes the fixed shape of a classification window
type WindowConfig struct {
	SampleRate     int           // Hz (16000 for the classifier)
	WindowDuration time.Duration // 5s
	SampleWidth    int           // bytes per sample (2 for int16)
}

// DefaultWindowConfig returns 5 second windows of 16 kHz int16 mono audio
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		SampleRate:     16000,
		WindowDuration: 5 * time.Second,
		SampleWidth:    2,
	}
}

// WindowSamples returns the number of samples in one window
func (c WindowConfig) WindowSamples() int {
	return int(int64(c.SampleRate) * int64(c.WindowDuration) / int64(time.Second))
}

// WindowBytes returns the byte size of one window
func (c WindowConfig) WindowBytes() int {
	return c.WindowSamples() * c.SampleWidth
}

// Window is one complete, decoded classification unit
type Window struct {
	Seq      uint64    // Zero-based position of the window in the stream
	Waveform Waveform  // Normalized samples
	Created  time.Time // When the window was completed
}

// WindowerStats represents windower statistics for monitoring
type WindowerStats struct {
	BytesReceived  uint64    `json:"bytes_received"`
	ChunksReceived uint64    `json:"chunks_received"`
	WindowsEmitted uint64    `json:"windows_emitted"`
	PendingBytes   int       `json:"pending_bytes"`
	WindowBytes    int       `json:"window_bytes"`
	LastUpdate     time.Time `json:"last_update"`
}

// Windower accumulates raw PCM bytes and slices them into fixed-size windows.
// Append is meant to be called from a single receive loop; Stats may be called
// concurrently.
type Windower struct {
	config      WindowConfig
	windowBytes int

	// Audio data storage, always shorter than windowBytes between calls
	pending []byte

	bytesReceived  uint64
	chunksReceived uint64
	windowsEmitted uint64
	lastUpdate     time.Time

	mu sync.RWMutex
}

// NewWindower creates a windower for the given window shape
func NewWindower(config WindowConfig) (*Windower, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.WindowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %v", config.WindowDuration)
	}

	if config.SampleWidth <= 0 {
		return nil, fmt.Errorf("sample width must be positive, got %d", config.SampleWidth)
	}

	windowBytes := config.WindowBytes()
	if windowBytes <= 0 {
		return nil, fmt.Errorf("window of %v at %d Hz holds no samples", config.WindowDuration, config.SampleRate)
	}

	return &Windower{
		config:      config,
		windowBytes: windowBytes,
		pending:     make([]byte, 0, windowBytes),
		lastUpdate:  time.Now(),
	}, nil
}

// Append adds a chunk to the buffer and extracts every complete window in
// arrival order. Bytes that do not yet fill a window stay buffered.
func (w *Windower) Append(chunk []byte) []Window {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.bytesReceived += uint64(len(chunk))
	w.chunksReceived++
	w.lastUpdate = time.Now()

	w.pending = append(w.pending, chunk...)

	var windows []Window
	offset := 0
	for len(w.pending)-offset >= w.windowBytes {
		raw := w.pending[offset : offset+w.windowBytes]
		windows = append(windows, Window{
			Seq:      w.windowsEmitted,
			Waveform: DecodeWaveform(raw),
			Created:  w.lastUpdate,
		})
		w.windowsEmitted++
		offset += w.windowBytes
	}

	// Shift the residual to the front so the backing array does not grow
	if offset > 0 {
		n := copy(w.pending, w.pending[offset:])
		w.pending = w.pending[:n]
	}

	return windows
}

// Pending returns the number of buffered bytes that do not yet form a window
func (w *Windower) Pending() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.pending)
}

// Config returns the window shape
func (w *Windower) Config() WindowConfig {
	return w.config
}

// Stats returns current windower statistics
func (w *Windower) Stats() WindowerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WindowerStats{
		BytesReceived:  w.bytesReceived,
		ChunksReceived: w.chunksReceived,
		WindowsEmitted: w.windowsEmitted,
		PendingBytes:   len(w.pending),
		WindowBytes:    w.windowBytes,
		LastUpdate:     w.lastUpdate,
	}
}
