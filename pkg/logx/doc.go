// Package logx configures notifyd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller), file output JSON-structured,
// and lets operators route warnings to an alert channel (min-level + rate limit).
package logx
