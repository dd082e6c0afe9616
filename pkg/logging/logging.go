// Package logging builds the shared zerolog logger. Development
// environments get human readable console output, everything else emits
// JSON.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02 15:04:05"

func New(env, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.TimeFieldFormat = timeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	if len(writers) > 0 {
		output = io.MultiWriter(writers...)
	} else if strings.EqualFold(env, "development") || strings.EqualFold(env, "dev") {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	} else {
		output = os.Stdout
	}

	return zerolog.New(output).With().Timestamp().Logger().Level(lvl), nil
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}
