// Package logx configures repackit's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) and file output JSON-structured.
// An optional alert sink forwards warnings to an admin chat with a
// min-level and rate limit.
package logx
