/*
Package log provides structured logging for BeeDrive using zerolog.

Init configures the package-level Logger (level, console or JSON output)
and WithComponent derives child loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("serve")
	logger.Info().Str("addr", addr).Msg("Server listening")

# Reporter

Transfer code does not touch the global logger. The server builds a
Reporter and hands it down to managers and workers, each adding its own
fields with With. Reporter.Error carries the failure severity and the
worker identity card:

	{"level":"error","worker_id":"...","severity":2,"card_uuid":"...",
	 "message":"Connection is broken: read: connection reset by peer"}

Flush syncs the writer when it supports it, which workers do on exit.
Tests build a Reporter over a bytes.Buffer to assert on entries.
*/
package log
