// Package logging configures structured slog output for the service.
// Logs are JSON by default; when stderr is a terminal and the format is
// "auto", a human-readable text handler is used instead. File logging with
// size-based rotation is enabled by setting a file path.
package logging
