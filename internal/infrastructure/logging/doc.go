// Package logging provides structured logging for the shadow agent.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("shadow").Info("session opened", "thing", "lamp1")
//
// Never log device private keys, passwords or tokens.
package logging
