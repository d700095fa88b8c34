// Package logx configures taskboard's operational logging.
//
// It wraps zerolog behind a small value type (logx.Logger) to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks swappable at runtime (config hot reload) without re-wiring loggers
//
// Activity records are NOT written through this package; see internal/activity.
package logx
