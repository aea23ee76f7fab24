package monitor

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogger builds the process-wide logrus logger. Unknown levels fall
// back to info; format "json" selects the JSON formatter, anything else the
// text formatter; a non-empty file path appends there instead of stderr.
func SetupLogger(level, format, file string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Warn("falling back to stderr: cannot open log file")
		} else {
			log.SetOutput(f)
		}
	}

	return log
}
