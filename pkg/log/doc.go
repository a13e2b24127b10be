/*
Package log provides structured logging for Bay built on zerolog.

A single global Logger is initialized once at startup via Init and shared by
all components. Child loggers carry stable correlation fields:

	logger := log.WithComponent("session")
	logger.Info().Str("sandbox_id", sb.ID).Msg("session started")

Console output is used for interactive runs; JSON output for production.
*/
package log
