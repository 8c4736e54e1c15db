// Package classifier turns a window of normalized audio into a single
// audio-event label. A Model produces per-frame class scores, which are
// averaged over frames; the highest scoring class is looked up in the class
// map loaded at startup.
package classifier
