package log

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/beedrive/pkg/types"
)

// syncer is implemented by writers that buffer output, such as *os.File
type syncer interface {
	Sync() error
}

// Reporter is the logging handle threaded through the server, its managers
// and their workers. It replaces a process-wide callback table: every
// component logs through the handle it was given.
type Reporter struct {
	logger zerolog.Logger
	out    io.Writer
	mu     *sync.Mutex
}

// NewReporter creates a reporter writing through logger. out is the writer
// behind logger; it is synced on Flush when it supports it and may be nil.
func NewReporter(logger zerolog.Logger, out io.Writer) *Reporter {
	return &Reporter{logger: logger, out: out, mu: &sync.Mutex{}}
}

// DefaultReporter returns a reporter bound to the global logger
func DefaultReporter() *Reporter {
	return NewReporter(Logger, output)
}

// Nop returns a reporter that discards everything
func Nop() *Reporter {
	return NewReporter(zerolog.Nop(), nil)
}

// With returns a child reporter sharing the same output with an extra field
func (r *Reporter) With(key, value string) *Reporter {
	return &Reporter{
		logger: r.logger.With().Str(key, value).Logger(),
		out:    r.out,
		mu:     r.mu,
	}
}

// Logger exposes the underlying zerolog logger
func (r *Reporter) Logger() *zerolog.Logger {
	return &r.logger
}

// Info logs an informational message
func (r *Reporter) Info(msg string) {
	r.logger.Info().Msg(msg)
}

// Error logs a worker failure with its severity code and identity card
func (r *Reporter) Error(msg string, severity int, card types.IDCard) {
	r.logger.Error().
		Int("severity", severity).
		Str("card_uuid", card.UUID).
		Str("card_name", card.Name).
		Str("card_mac", card.MAC).
		Msg(msg)
}

// Flush syncs pending output. Safe to call any number of times.
func (r *Reporter) Flush() {
	if r.out == nil {
		return
	}
	s, ok := r.out.(syncer)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = s.Sync()
}
