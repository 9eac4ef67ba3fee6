// Package log provides image2model's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that preserves the
// formatter/outputs pipeline, so the slog ecosystem remains reachable while
// output stays consistent across the codebase.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.WithComponent("uploadqueue")
//	l.Info("item started", log.Str("item", itemID), log.Int("slot", 1))
//
// # Interop
//
// To integrate with libraries expecting *log.Logger (Pebble writes through
// the stdlib logger), use RedirectStdLog or ToStdLogger.
package log
