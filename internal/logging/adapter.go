package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// PrintfAdapter exposes an slog.Logger through the Printf/Fatalf pair that
// printf-style libraries (goose among them) accept as their logger.
type PrintfAdapter struct {
	logger *slog.Logger
}

// NewPrintfAdapter wraps logger. If logger is nil, slog.Default() is used.
func NewPrintfAdapter(logger *slog.Logger) *PrintfAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrintfAdapter{logger: logger}
}

// Printf logs the formatted message at info level.
func (a *PrintfAdapter) Printf(format string, v ...interface{}) {
	a.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf logs the formatted message at error level. It does not exit; the
// caller receives the error through its normal return path.
func (a *PrintfAdapter) Fatalf(format string, v ...interface{}) {
	a.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Logger returns the underlying slog.Logger.
func (a *PrintfAdapter) Logger() *slog.Logger {
	return a.logger
}
