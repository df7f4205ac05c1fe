package util

import (
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// Logger wraps slog and provides traditional log.Printf style methods.
// The slog logger is resolved on every call, so a Logger kept in a package
// variable follows a later InitLogger.
type Logger struct {
	component string
}

// GetCompatLogger returns a logger that provides both slog and traditional log.Printf style methods
func GetCompatLogger() *Logger {
	return &Logger{}
}

// GetComponentCompatLogger is GetCompatLogger tagged with a component name.
func GetComponentCompatLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) slog() *slog.Logger {
	if l.component == "" {
		return GetLogger()
	}
	return ComponentLogger(l.component)
}

// Printf provides log.Printf compatibility while using slog internally
func (l *Logger) Printf(format string, v ...interface{}) {
	l.slog().Info(fmt.Sprintf(format, v...))
}

// Debugf logs at debug level
func (l *Logger) Debugf(format string, v ...interface{}) {
	if IsVerbose() {
		l.slog().Debug(fmt.Sprintf(format, v...))
	}
}

// Errorf logs at error level
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.slog().Error(fmt.Sprintf(format, v...))
}

// Warnf logs at warn level
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.slog().Warn(fmt.Sprintf(format, v...))
}

// Infof logs at info level
func (l *Logger) Infof(format string, v ...interface{}) {
	l.slog().Info(fmt.Sprintf(format, v...))
}

// SetupGlobalLogger routes the standard log package (and anything built on
// it, like http.Server's ErrorLog) through slog.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

// NewStdLogger returns a *log.Logger that writes into slog at warn level.
func NewStdLogger(component string) *log.Logger {
	return log.New(&logWriter{logger: ComponentLogger(component), warn: true}, "", 0)
}

type logWriter struct {
	logger *slog.Logger
	warn   bool
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	if w.warn {
		w.logger.Warn(msg)
	} else {
		w.logger.Info(msg)
	}
	return len(p), nil
}
