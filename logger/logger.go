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

// Options selects level, format and destination. Output is "stdout",
// "stderr" or a file path; files rotate at MaxSize megabytes.
type Options struct {
	Level      string
	Format     string
	Output     string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// New builds a logger from opts. An unknown level falls back to info and
// an unknown format to JSON.
func New(opts Options) (*logrus.Logger, error) {
	l := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	l.SetLevel(logLevel)

	// Set formatter
	switch opts.Format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	out, err := output(opts)
	if err != nil {
		return nil, err
	}
	l.SetOutput(out)
	return l, nil
}

func output(opts Options) (io.Writer, error) {
	switch opts.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.Output), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   opts.Output,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge,
	}, nil
}

// InitLogger initializes the global logger with the specified configuration
func InitLogger(level, format, output string, maxSize, maxBackups, maxAge int) error {
	l, err := New(Options{
		Level:      level,
		Format:     format,
		Output:     output,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	})
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		// Initialize with default settings if not already initialized
		InitLogger("info", "json", "stdout", 100, 3, 28)
	}
	return Logger
}
