// Package log provides structured protocol logging for SMP sessions.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, packet, engine).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For capture: write to binary file
//	cfg.Logger, _ = log.NewFileLogger("/tmp/device.smplog")
//
//	// Both: use MultiLogger
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: Raw fragments as written or received (FrameEvent)
//   - Packet: Decoded header and CBOR body (MessageEvent)
//   - Engine: Session, queue and upload transitions (StateChangeEvent)
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Log files use CBOR encoding with the .smplog extension. The smp-log CLI
// tool provides viewing, filtering, and export capabilities.
package log
