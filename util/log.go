package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the logger used by all rpipe packages
var Log = newLogger()

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	return log
}

// SetLogLevel switches the shared logger between info and debug level
func SetLogLevel(debug bool) {
	if debug {
		Log.SetLevel(logrus.DebugLevel)
	} else {
		Log.SetLevel(logrus.InfoLevel)
	}
}

// SetLogLevelName sets the shared logger's level from a name like "debug" or "warn"
func SetLogLevelName(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	Log.SetLevel(level)
	return nil
}

// LogLevelName returns the name of the shared logger's current level
func LogLevelName() string {
	return Log.GetLevel().String()
}
