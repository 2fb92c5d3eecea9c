package config

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a text logger writing to w.
func NewLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{})
	return logger
}

// ConfigureLogger applies the log settings of cfg to logger.
func ConfigureLogger(logger *logrus.Logger, cfg *Config) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	switch cfg.Log.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
