// Package logging provides structured logging for ecatd.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("segment operational", "devices", 3)
//	logger.Error("exchange failed", "error", err)
package logging
