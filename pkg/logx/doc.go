// Package logx provides structured logging for the engine.
//
// It wraps zerolog behind a small Field-based API so call sites stay stable
// while sinks (console, file, bus forwarding) are swapped at runtime through
// Service.Apply.
package logx
