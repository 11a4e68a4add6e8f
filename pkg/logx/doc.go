// Package logx configures tunerd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// tunerd runs unattended; the log stream is the only error-reporting
// surface, so the file sink doubles as the operational record.
package logx
