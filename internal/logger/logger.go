package logger

import (
	"io"
	log "log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// Level maps a flag value to a slog level, defaulting to info.
func Level(name string) log.Level {
	if lvl, ok := logLevelMap[strings.ToLower(name)]; ok {
		return lvl
	}
	return log.LevelInfo
}

func New(w io.Writer, level string) *log.Logger {
	return log.New(tint.NewHandler(w, &tint.Options{
		Level:      Level(level),
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Setup installs the tint handler as the process default.
func Setup(w io.Writer, level string) *log.Logger {
	l := New(w, level)
	log.SetDefault(l)
	return l
}
