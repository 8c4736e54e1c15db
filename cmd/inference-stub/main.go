// Command inference-stub serves a TensorFlow Serving compatible predict API
// with deterministic scores, for running the audio service without a model
// server.
//
// Each frame of 15600 samples (0.975 s at 16 kHz, hop 7680) is scored by its
// RMS energy: louder frames move the winning class towards higher indices.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	frameSamples = 15600
	hopSamples   = 7680
)

var (
	address      string
	modelName    string
	numClasses   int
	scoresOutput string
	delay        time.Duration
)

type predictRequest struct {
	Inputs []float32 `json:"inputs"`
}

var rootCmd = &cobra.Command{
	Use:          "inference-stub",
	Short:        "Deterministic stand-in for the YAMNet predict endpoint",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if numClasses < 1 {
			return fmt.Errorf("classes must be at least 1, got %d", numClasses)
		}

		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/models/", predictHandler(logger))

		logger.Info("Inference stub starting",
			slog.String("address", address),
			slog.String("endpoint", fmt.Sprintf("/v1/models/%s:predict", modelName)),
			slog.Int("classes", numClasses),
		)

		server := &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		return server.ListenAndServe()
	},
}

func predictHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if r.URL.Path != fmt.Sprintf("/v1/models/%s:predict", modelName) {
			http.Error(w, fmt.Sprintf("Servable not found for request: %s", strings.TrimPrefix(r.URL.Path, "/v1/models/")), http.StatusNotFound)
			return
		}

		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Error parsing request body", http.StatusBadRequest)
			return
		}
		if len(req.Inputs) == 0 {
			http.Error(w, "inputs cannot be empty", http.StatusBadRequest)
			return
		}

		if delay > 0 {
			time.Sleep(delay)
		}

		scores := scoreFrames(req.Inputs, numClasses)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"outputs": map[string]interface{}{
				scoresOutput: scores,
			},
		})

		logger.Info("Predict request served",
			slog.Int("samples", len(req.Inputs)),
			slog.Int("frames", len(scores)),
		)
	}
}

// scoreFrames returns one row per frame. The winning class is the frame RMS
// bucketed into classes equal-width ranges over [0, 1].
func scoreFrames(waveform []float32, classes int) [][]float32 {
	frames := 1
	if len(waveform) > frameSamples {
		frames += (len(waveform) - frameSamples) / hopSamples
	}

	scores := make([][]float32, frames)
	for f := range scores {
		start := f * hopSamples
		end := min(start+frameSamples, len(waveform))

		var sum float64
		for _, s := range waveform[start:end] {
			sum += float64(s) * float64(s)
		}
		rms := math.Sqrt(sum / float64(max(end-start, 1)))

		winner := min(int(rms*float64(classes)), classes-1)

		row := make([]float32, classes)
		for c := range row {
			row[c] = 0.01
		}
		row[winner] = 0.9
		scores[f] = row
	}

	return scores
}

func init() {
	rootCmd.Flags().StringVar(&address, "address", ":8501", "Listen address")
	rootCmd.Flags().StringVar(&modelName, "model", "yamnet", "Served model name")
	rootCmd.Flags().IntVar(&numClasses, "classes", 521, "Number of classes per frame")
	rootCmd.Flags().StringVar(&scoresOutput, "scores-output", "output_0", "Output name holding the frame scores")
	rootCmd.Flags().DurationVar(&delay, "delay", 0, "Simulated inference latency")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
