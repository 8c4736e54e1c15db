// Package server implements the HTTP server: the WebSocket audio endpoint
// that feeds client streams into stream sessions, and the monitoring API
// (health, sessions, configuration, statistics and Prometheus metrics).
package server
