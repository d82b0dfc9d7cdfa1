package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

var Logger *logrus.Logger

// InitLogger initializes the global logger with the specified configuration.
// Any output other than stdout or stderr is a file path, rotated by size and
// age. Secrets registered with Protect are scrubbed from every entry.
func InitLogger(level, format, output string, maxSize, maxBackups, maxAge int) error {
	w, err := openOutput(output, maxSize, maxBackups, maxAge)
	if err != nil {
		return err
	}

	l := logrus.New()
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	l.SetLevel(logLevel)
	l.SetFormatter(formatter(format))
	l.SetOutput(w)
	l.AddHook(redactor)

	Logger = l
	return nil
}

func formatter(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		}
	}
	return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
}

func openOutput(output string, maxSize, maxBackups, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		// stdout carries the capture result
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   output,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	}, nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		// Initialize with default settings if not already initialized
		InitLogger("info", "json", "stderr", 100, 3, 28)
	}
	return Logger
}
