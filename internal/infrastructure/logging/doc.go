// Package logging provides structured logging for the acquisition bridge.
//
// This package wraps Go's standard log/slog package so the board client,
// the MQTT bridge and the HTTP API all log the same way.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for bench sessions (human-readable)
//   - Default fields (service, version) on all log entries
//   - Per-component child loggers
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/acqbridge/acqbridge.log"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	board := logger.Component("acqboard")
//	board.Info("connected", "board_type", "ADC8")
//
// # Security
//
// Never log the JWT secret, MQTT password or InfluxDB token.
package logging
