// Package audio handles audio buffering, windowing, and format conversion.
// It accumulates raw PCM-16 bytes into fixed-duration windows, decodes them into
// normalized waveforms for the classifier, resamples non-16 kHz input, and reads
// and writes WAV files for offline classification.
package audio
