package bridge

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger behind the same Info/Error call shape the
// rest of this codebase's ancestry uses, so call sites read the same
// whether or not the backing library changes.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(out io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return &Logger{log: zerolog.New(out).With().Timestamp().Logger()}
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.write(l.log.Info(), message, fields)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.write(l.log.Warn(), message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.write(l.log.Error(), message, fields)
}

func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.write(l.log.Debug(), message, fields)
}

func (l *Logger) write(evt *zerolog.Event, message string, fields map[string]interface{}) {
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(message)
}
