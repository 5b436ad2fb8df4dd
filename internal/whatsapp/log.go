package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow logging into slog.
type slogLogger struct {
	log    *slog.Logger
	module string
	min    slog.Level
}

// NewSlogLogger returns a whatsmeow logger writing to l at or above level
// (whatsmeow names: DEBUG, INFO, WARN, ERROR).
func NewSlogLogger(l *slog.Logger, module, level string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{log: l, module: module, min: parseLevel(level)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (s *slogLogger) emit(level slog.Level, msg string, args []interface{}) {
	if level < s.min {
		return
	}
	s.log.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *slogLogger) Warnf(msg string, args ...interface{})  { s.emit(slog.LevelWarn, msg, args) }
func (s *slogLogger) Errorf(msg string, args ...interface{}) { s.emit(slog.LevelError, msg, args) }
func (s *slogLogger) Infof(msg string, args ...interface{})  { s.emit(slog.LevelInfo, msg, args) }
func (s *slogLogger) Debugf(msg string, args ...interface{}) { s.emit(slog.LevelDebug, msg, args) }

func (s *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{log: s.log, module: s.module + "/" + module, min: s.min}
}
