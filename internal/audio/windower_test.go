package audio

import (
	"bytes"
	"testing"
	"time"
)

func newTestWindower(t *testing.T) *Windower {
	t.Helper()
	w, err := NewWindower(DefaultWindowConfig())
	if err != nil {
		t.Fatalf("Failed to create windower: %v", err)
	}
	return w
}

// rampPCM returns n bytes of int16 LE samples counting up from start
func rampPCM(n int, start int) []byte {
	samples := make([]int16, n/2)
	for i := range samples {
		samples[i] = int16((start + i) % 30000)
	}
	return SamplesToBytes(samples)
}

func TestWindowConfig(t *testing.T) {
	config := DefaultWindowConfig()

	if config.WindowSamples() != 80000 {
		t.Errorf("Expected 80000 samples per window, got %d", config.WindowSamples())
	}

	if config.WindowBytes() != 160000 {
		t.Errorf("Expected 160000 bytes per window, got %d", config.WindowBytes())
	}
}

func TestNewWindowerInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config WindowConfig
	}{
		{"zero sample rate", WindowConfig{SampleRate: 0, WindowDuration: time.Second, SampleWidth: 2}},
		{"zero duration", WindowConfig{SampleRate: 16000, WindowDuration: 0, SampleWidth: 2}},
		{"zero sample width", WindowConfig{SampleRate: 16000, WindowDuration: time.Second, SampleWidth: 0}},
		{"sub-sample window", WindowConfig{SampleRate: 16000, WindowDuration: time.Microsecond, SampleWidth: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWindower(tt.config); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestWindowerSingleExactWindow(t *testing.T) {
	w := newTestWindower(t)

	windows := w.Append(make([]byte, 160000))
	if len(windows) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(windows))
	}

	if len(windows[0].Waveform) != 80000 {
		t.Errorf("Expected 80000 samples, got %d", len(windows[0].Waveform))
	}

	for i, s := range windows[0].Waveform {
		if s != 0 {
			t.Fatalf("Sample %d: expected 0, got %f", i, s)
		}
	}

	if w.Pending() != 0 {
		t.Errorf("Expected empty buffer, got %d pending bytes", w.Pending())
	}
}

func TestWindowerTwoHalves(t *testing.T) {
	w := newTestWindower(t)

	if windows := w.Append(make([]byte, 80000)); len(windows) != 0 {
		t.Fatalf("Expected no window after first half, got %d", len(windows))
	}

	if w.Pending() != 80000 {
		t.Errorf("Expected 80000 pending bytes, got %d", w.Pending())
	}

	windows := w.Append(make([]byte, 80000))
	if len(windows) != 1 {
		t.Fatalf("Expected 1 window after second half, got %d", len(windows))
	}

	if w.Pending() != 0 {
		t.Errorf("Expected empty buffer, got %d pending bytes", w.Pending())
	}
}

func TestWindowerFragmentationInvariant(t *testing.T) {
	data := rampPCM(2*160000+1234, 0)

	whole := newTestWindower(t)
	expected := whole.Append(data)

	fragmented := newTestWindower(t)
	var got []Window
	// Odd-sized chunks split samples across chunk boundaries
	for offset := 0; offset < len(data); offset += 4097 {
		end := offset + 4097
		if end > len(data) {
			end = len(data)
		}
		got = append(got, fragmented.Append(data[offset:end])...)
	}

	if len(got) != len(expected) || len(got) != 2 {
		t.Fatalf("Expected 2 windows from both paths, got %d and %d", len(expected), len(got))
	}

	for i := range expected {
		if got[i].Seq != expected[i].Seq {
			t.Errorf("Window %d: seq mismatch %d vs %d", i, got[i].Seq, expected[i].Seq)
		}
		if !bytes.Equal(EncodePCM16(got[i].Waveform), EncodePCM16(expected[i].Waveform)) {
			t.Errorf("Window %d: content differs between whole and fragmented delivery", i)
		}
	}

	if whole.Pending() != 1234 || fragmented.Pending() != 1234 {
		t.Errorf("Expected 1234 pending bytes, got %d and %d", whole.Pending(), fragmented.Pending())
	}
}

func TestWindowerOrderAndResidual(t *testing.T) {
	w := newTestWindower(t)

	data := rampPCM(3*160000+10, 0)
	windows := w.Append(data)
	if len(windows) != 3 {
		t.Fatalf("Expected 3 windows, got %d", len(windows))
	}

	for i, window := range windows {
		if window.Seq != uint64(i) {
			t.Errorf("Window %d: expected seq %d, got %d", i, i, window.Seq)
		}
		want := DecodeWaveform(data[i*160000 : (i+1)*160000])
		if window.Waveform[0] != want[0] || window.Waveform[len(want)-1] != want[len(want)-1] {
			t.Errorf("Window %d: content is not the expected slice of the stream", i)
		}
	}

	if w.Pending() != 10 {
		t.Errorf("Expected 10 residual bytes, got %d", w.Pending())
	}

	// Residual is the start of the next window
	windows = w.Append(make([]byte, 160000-10))
	if len(windows) != 1 || windows[0].Seq != 3 {
		t.Fatalf("Expected window with seq 3, got %+v", windows)
	}
	want := DecodeWaveform(data[3*160000:])
	for i := range want {
		if windows[0].Waveform[i] != want[i] {
			t.Errorf("Residual sample %d: expected %f, got %f", i, want[i], windows[0].Waveform[i])
		}
	}
}

func TestWindowerBufferStaysBounded(t *testing.T) {
	w := newTestWindower(t)

	for i := 0; i < 50; i++ {
		w.Append(make([]byte, 33333))
		if w.Pending() >= 160000 {
			t.Fatalf("Iteration %d: pending %d bytes, expected less than one window", i, w.Pending())
		}
	}
}

func TestWindowerEmptyChunk(t *testing.T) {
	w := newTestWindower(t)

	if windows := w.Append(nil); len(windows) != 0 {
		t.Errorf("Expected no windows from empty chunk, got %d", len(windows))
	}

	if w.Pending() != 0 {
		t.Errorf("Expected no pending bytes, got %d", w.Pending())
	}
}

func TestWindowerStats(t *testing.T) {
	w := newTestWindower(t)

	w.Append(make([]byte, 100000))
	w.Append(make([]byte, 100000))

	stats := w.Stats()
	if stats.BytesReceived != 200000 {
		t.Errorf("Expected 200000 bytes received, got %d", stats.BytesReceived)
	}
	if stats.ChunksReceived != 2 {
		t.Errorf("Expected 2 chunks, got %d", stats.ChunksReceived)
	}
	if stats.WindowsEmitted != 1 {
		t.Errorf("Expected 1 window emitted, got %d", stats.WindowsEmitted)
	}
	if stats.PendingBytes != 40000 {
		t.Errorf("Expected 40000 pending bytes, got %d", stats.PendingBytes)
	}
	if stats.WindowBytes != 160000 {
		t.Errorf("Expected window size 160000, got %d", stats.WindowBytes)
	}
}
