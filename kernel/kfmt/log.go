package kfmt

import "github.com/sirupsen/logrus"

// logger is the structured logger shared by all kernel modules. Its output is
// always the kernel console so log lines and panic banners end up in the same
// place.
var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(consoleWriter{})
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	return l
}

// Log returns a logger entry tagged with the supplied kernel module name.
func Log(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// SetLogLevel adjusts the verbosity of the kernel logger.
func SetLogLevel(level logrus.Level) {
	logger.SetLevel(level)
}
