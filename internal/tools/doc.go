// Package tools provides host process helpers shared by the tunnel executor
// and the liveness watchdog.
//
// Ownership boundary:
// - buffered command execution (hooks)
//
// - streaming subprocess spawn with piped stdout/stderr
//
// - exit status classification
package tools
