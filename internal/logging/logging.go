package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger from the configured level.
// "silent" discards all output.
func Setup(level string) {
	switch level {
	case "silent":
		logrus.SetOutput(io.Discard)
		logrus.SetLevel(logrus.PanicLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}
