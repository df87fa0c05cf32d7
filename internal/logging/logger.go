package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	output io.Writer = os.Stderr
)

// NewLogger returns the logger for a component. Loggers are created once per
// component and shared afterwards.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(levelFromEnv())

	if f, ok := output.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// SetOutput redirects every logger created afterwards, and the existing ones.
func SetOutput(w io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	output = w
	for _, entry := range loggers {
		entry.Logger.SetOutput(w)
	}
}

// SetLevel changes the level of all component loggers
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	os.Setenv("COMPANION_LOG_LEVEL", level)

	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, entry := range loggers {
		entry.Logger.SetLevel(parsed)
	}
}

func levelFromEnv() logrus.Level {
	levelStr := strings.TrimSpace(os.Getenv("COMPANION_LOG_LEVEL"))
	if levelStr == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
