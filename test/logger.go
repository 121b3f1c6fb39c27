package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. It discards everything unless the
// TEST_LOGS environment variable selects a level: 1 for info, 2 for debug, 3
// for trace, or any level name logrus understands.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	level, ok := levelFromEnv(os.Getenv("TEST_LOGS"))
	if !ok {
		l.SetOutput(io.Discard)
		return l
	}
	l.SetLevel(level)
	return l
}

func levelFromEnv(v string) (logrus.Level, bool) {
	switch v {
	case "":
		return 0, false
	case "1":
		return logrus.InfoLevel, true
	case "2":
		return logrus.DebugLevel, true
	case "3":
		return logrus.TraceLevel, true
	}

	level, err := logrus.ParseLevel(v)
	if err != nil {
		return logrus.InfoLevel, true
	}
	return level, true
}
