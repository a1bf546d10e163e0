package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

// makeBaseLogger builds the root context's logger: a logrus instance
// formatted with timestamps, wrapped for dlog, at the level named by
// VTUN_LOG_LEVEL (falling back to info on anything unparseable).
func makeBaseLogger() context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})

	level, err := logrus.ParseLevel(os.Getenv("VTUN_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrusLogger.SetLevel(level)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(context.Background(), logger)
}
