// Package logger builds the daemon's zerolog logger: console and rotated
// file output, secret redaction and a level that can change at runtime.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration
type Config struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	File       string `json:"file" mapstructure:"file"`               // log file path
	Console    bool   `json:"console" mapstructure:"console"`         // enable console output
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`           // pretty format for console
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`     // enable sensitive data redaction
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // max size in MB before rotation
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // max age in days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // rotated files to keep, 0 keeps all
	Compress   bool   `json:"compress" mapstructure:"compress"`       // gzip rotated logs
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// Logger is the process logger. Child loggers taken with GetZerolog or With
// follow SetLevel because the level is applied globally.
type Logger struct {
	logger   zerolog.Logger
	file     *lumberjack.Logger
	redactor *Redactor
}

// New creates a logger and installs it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	l := &Logger{}

	var outputs []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		outputs = append(outputs, l.file)
	}

	var w io.Writer = io.Discard
	if len(outputs) == 1 {
		w = outputs[0]
	} else if len(outputs) > 1 {
		w = zerolog.MultiLevelWriter(outputs...)
	}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		w = l.redactor.Wrap(w)
	}

	// Per-logger level stays open; filtering happens on the global level so
	// SetLevel reaches every logger derived from this one.
	l.logger = zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = l.logger

	return l, nil
}

// parseLevel maps a config level to zerolog, defaulting to info.
func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// SetLevel changes the minimum level for all loggers in the process.
func (l *Logger) SetLevel(level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil || level == "" {
		return fmt.Errorf("unknown log level %q", level)
	}
	zerolog.SetGlobalLevel(parseLevel(level))
	return nil
}

// Level reports the current minimum level.
func (l *Logger) Level() zerolog.Level {
	return zerolog.GlobalLevel()
}

// Rotate closes the current log file and starts a new one.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// With creates a child logger context.
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}
