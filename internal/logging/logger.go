package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cachedresource/cachedresource/internal/config"
)

// InitLogger builds the JSON logger for cfg and installs the same settings on
// the logrus standard logger. Lines go to a rotating file when LogFilePath is
// set, otherwise to console (stdout when nil). A file that cannot be prepared
// degrades to console and the reason is logged as logger_fallback.
func InitLogger(cfg config.GlobalConfig, console io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	if console == nil {
		console = os.Stdout
	}

	var output io.Writer = console
	rotator, fileErr := openRotator(cfg)
	if rotator != nil {
		output = rotator
	}

	logger := &logrus.Logger{
		Out:       output,
		Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
		ExitFunc:  os.Exit,
	}

	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(logger.Out)
	std.SetLevel(level)

	if fileErr != nil {
		logger.WithError(fileErr).WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn("logger_fallback")
	}
	return logger, nil
}

// Discard returns a logger that drops everything, for callers without one.
func Discard() *logrus.Logger {
	return &logrus.Logger{
		Out:       io.Discard,
		Formatter: new(logrus.JSONFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.PanicLevel,
		ExitFunc:  os.Exit,
	}
}

// openRotator returns nil without error when no file is configured.
func openRotator(cfg config.GlobalConfig) (*lumberjack.Logger, error) {
	if cfg.LogFilePath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
