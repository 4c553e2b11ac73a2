// Package log constructs the logger shared by every component of the
// toolkit, following the teacher's split between a debug log file and a
// quiet production logger; both write JSON-formatted entries.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a new logger scoped to one toolkit instance. configDir
// is where development.log is written when debug is enabled; version/commit
// are stamped onto every entry so multi-host log aggregation can tell runs
// apart.
func NewLogger(configDir, version, commit string, debug bool) *logrus.Entry {
	var base *logrus.Logger
	if debug || os.Getenv("SSHTOOLKIT_DEBUG") == "TRUE" {
		base = newDevelopmentLogger(configDir)
	} else {
		base = newProductionLogger()
	}

	base.Formatter = &logrus.JSONFormatter{}

	return base.WithFields(logrus.Fields{
		"debug":   debug,
		"version": version,
		"commit":  commit,
	})
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("SSHTOOLKIT_LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(configDir string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(getLogLevel())

	if configDir == "" {
		l.Out = os.Stderr
		return l
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		fmt.Println("unable to create log directory, logging to stderr")
		l.Out = os.Stderr
		return l
	}

	file, err := os.OpenFile(filepath.Join(configDir, "development.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file, logging to stderr")
		l.Out = os.Stderr
		return l
	}
	l.SetOutput(file)
	return l
}

func newProductionLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.ErrorLevel)
	return l
}
