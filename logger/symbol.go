package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/sym"
)

// Subsystem loggers carry their glyph as a structured field rather than in
// the message, so JSON logs can be filtered by subsystem:
//
//	s.log = logger.AddPulseSymbol(log.Named("schedule"))
//	s.log.Infow("Sweep finished", logger.FieldCount, n) // symbol=꩜

// WithSymbol tags every entry of l with glyph.
func WithSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldSymbol, glyph)
}

// AddPulseSymbol tags l as job engine output (꩜).
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.Pulse) }

// AddSpacerSymbol tags l as remote queue traffic (⟶).
func AddSpacerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.Spacer) }

// AddDBSymbol tags l as storage output (⊔).
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.DB) }
