// Package logging builds the zerolog logger shared by the server, the import
// worker and the CLI commands.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// FileOptions configures the optional rotating log file. Sizes are in
// megabytes, ages in days.
type FileOptions struct {
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// New returns a timestamped logger writing to stdout, and also to a rotating
// file when file.Path is set. format "console" selects the human-readable
// writer for stdout; the file always receives JSON. Unknown levels fall back
// to info.
func New(level, format string, file FileOptions) zerolog.Logger {
	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if file.Path != "" {
		out = zerolog.MultiLevelWriter(out, rotatingFile(file))
	}
	return NewWithWriter(out, level, "json")
}

func rotatingFile(o FileOptions) *lumberjack.Logger {
	l := &lumberjack.Logger{
		Filename:   o.Path,
		MaxSize:    o.MaxSize,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAge,
		Compress:   true,
	}
	if l.MaxSize <= 0 {
		l.MaxSize = 10
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 7
	}
	if l.MaxAge <= 0 {
		l.MaxAge = 28
	}
	return l
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
