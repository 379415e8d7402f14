// Package logx configures regionworker's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers (format=json)
//   - Optional file sink, fixed service/env/version base fields
package logx
