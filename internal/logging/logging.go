// Package logging wraps logrus with the scheduler's two external logging
// knobs from section 6 of the configuration table: debuglevel (0 = warn
// and above, 1 = info and above, 2+ = debug and above) and logfile
// (the logger's output goes to that file, reopened on Reopen). Only the
// logger's output is redirected; the process's own stdout and stderr are
// left as they are. The rest of the tree logs
// through the *logrus.Entry this package hands out, never the global
// logrus package logger, so tests can substitute their own.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the root logger for the given debuglevel and optional
// logfile path. An empty logfile leaves output on stderr, logrus's
// default.
func New(debugLevel int, logfile string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(levelFor(debugLevel))

	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open logfile %s: %w", logfile, err)
		}
		l.SetOutput(f)
	}
	return l, nil
}

func levelFor(debugLevel int) logrus.Level {
	switch {
	case debugLevel <= 0:
		return logrus.WarnLevel
	case debugLevel == 1:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Reopen closes and reopens the logfile, used on SIGHUP so an external
// log-rotation tool that renamed the old file doesn't leave the daemon
// writing to an unlinked inode.
func Reopen(l *logrus.Logger, logfile string) error {
	if logfile == "" {
		return nil
	}
	if closer, ok := l.Out.(io.Closer); ok {
		closer.Close()
	}
	f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: reopen logfile %s: %w", logfile, err)
	}
	l.SetOutput(f)
	return nil
}
