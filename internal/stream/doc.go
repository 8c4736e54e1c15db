// Package stream manages client audio stream sessions. Each session owns a
// private windower and runs one sequential loop: receive a binary chunk,
// append it, classify every completed window in order and send one result
// per window. A client disconnect ends the session quietly and drops the
// partial window; any other failure is logged and closes the connection.
package stream
