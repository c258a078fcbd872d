package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// LogConsole sends log output to stderr instead of a file
	LogConsole = "console"

	// RequestIDKey is the context key carrying a control API request id
	RequestIDKey = contextKey("requestID")
	// BundleIDKey is the context key carrying the bundle an operation acts on
	BundleIDKey = contextKey("bundleID")
)

type contextKey string

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != LogConsole {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	} else {
		log.SetOutput(os.Stderr)
	}

	log.SetFormatter(&CustomFormatter{TextFormatter: log.TextFormatter{FullTimestamp: true}})
	log.SetLevel(level)
	return nil
}

// CustomFormatter lifts request and bundle ids from the entry context into fields
type CustomFormatter struct {
	log.TextFormatter
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context == nil {
		return f.TextFormatter.Format(entry)
	}

	if reqID, ok := entry.Context.Value(RequestIDKey).(string); ok {
		entry.Data["requestID"] = reqID
	}
	if bundleID, ok := entry.Context.Value(BundleIDKey).(string); ok {
		entry.Data["bundleID"] = bundleID
	}

	return f.TextFormatter.Format(entry)
}
