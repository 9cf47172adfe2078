// Package log provides structured logging for the dispatch core using
// zerolog: a global Logger initialized once via Init, plus helpers that
// attach component/worker/task/repo context fields to child loggers.
package log
