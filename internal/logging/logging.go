// Package logging builds the zap logger shared by every grlctl component.
//
// Output goes to stderr and, when a file is configured, to that file as well.
// Components take a named child logger (logger.Named("gateway")) so each line
// carries its subsystem.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// File is the log file path. Empty logs to the console only.
	File string

	// Mode is "a" to append to File or "w" to truncate it.
	Mode string

	// Level is debug, info, warn or error. Empty means info.
	Level string

	// Console receives the human readable stream. Nil means os.Stderr.
	Console io.Writer
}

// New returns a logger and a function that flushes and closes its outputs.
func New(opts Options) (*zap.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(console), level),
	}

	var file *os.File
	if opts.File != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if opts.Mode == "w" {
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		file, err = os.OpenFile(opts.File, flags, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closeFn := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, closeFn, nil
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return level, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

// Banner logs the start-of-run marker that separates runs in an appended log file.
func Banner(logger *zap.Logger, version string) {
	logger.Info(strings.Repeat("=", 60))
	logger.Info("NEW RUN STARTED",
		zap.String("version", version),
		zap.Time("at", time.Now()),
		zap.Int("pid", os.Getpid()),
	)
	logger.Info(strings.Repeat("=", 60))
}
