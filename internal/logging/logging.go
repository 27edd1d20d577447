// Package logging sets up the daemon's structured logger: zerolog to
// the console, optionally mirrored into a size-rotated file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openefi/megalink/internal/config"
)

// Setup builds the root logger from the log config. When a directory is
// set, output goes both to the console and to a rotating file inside
// it; the file side stays JSON regardless of the console format.
func Setup(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var console io.Writer = os.Stderr
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}

	w := console
	if cfg.Dir != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "megalinkd.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(console, rotator)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
