package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anmzahid/Hear2Help/internal/audio"
	"github.com/anmzahid/Hear2Help/internal/config"
	"github.com/anmzahid/Hear2Help/internal/protocol"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <file.wav>",
	Short: "Classify a WAV file window by window",
	Long: `Classify a 16-bit PCM WAV file offline.

The file is downmixed to mono, resampled to 16 kHz and split into the same
windows a streaming client would produce. One "Detected: <label>" line is
printed per complete window; a trailing partial window is ignored.

Examples:
  hear2help-audio-service classify dog_bark.wav
  hear2help-audio-service -c configs/config.yaml classify street.wav`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			return fmt.Errorf("failed to read WAV header of %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d Hz, %d channel(s), %d-bit, %.2fs\n",
			args[0], info.SampleRate, info.Channels, info.BitsPerSample, info.Duration)

		wav, err := audio.DecodeWAV(data)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", args[0], err)
		}

		waveform, err := audio.EnsureSampleRate(audio.SamplesToWaveform(wav.Mono()), wav.SampleRate, cfg.Audio.SampleRate)
		if err != nil {
			return err
		}

		windower, err := audio.NewWindower(managerConfig(cfg).Window)
		if err != nil {
			return err
		}

		windows := windower.Append(audio.EncodePCM16(waveform))
		if len(windows) == 0 {
			return fmt.Errorf("%s holds %.2fs of audio, shorter than one %v window",
				args[0], wav.Duration(), windower.Config().WindowDuration)
		}

		model, clf, err := buildClassifier(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer model.Close()

		out := cmd.OutOrStdout()
		for _, window := range windows {
			result, err := clf.Classify(cmd.Context(), window.Waveform)
			if err != nil {
				return fmt.Errorf("classification of window %d failed: %w", window.Seq, err)
			}

			msg, err := protocol.FormatResult(protocol.FormatText, window.Seq, result)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(msg))
		}

		return nil
	},
}
