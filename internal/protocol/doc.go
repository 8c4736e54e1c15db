// Package protocol defines the client-facing contract of the audio stream
// endpoint: the handshake query parameters a client may send when it opens
// the WebSocket, and the text frames returned for each classified window.
//
// Clients stream raw int16 little-endian PCM in binary frames. Every window
// of audio produces exactly one reply, "Detected: <label>" by default, or a
// JSON detection object when the client connects with format=json.
package protocol
