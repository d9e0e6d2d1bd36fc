package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Options selects where and how the agent logs.
type Options struct {
	Path  string
	Level string
	JSON  bool
}

// Init replaces the package logger. An empty Path logs to stdout.
func Init(opts Options) error {
	var w io.Writer = os.Stdout
	if opts.Path != "" {
		file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = file
	}

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(opts.Level)); raw != "" {
		parsed, err := zerolog.ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	if !opts.JSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opts.Path != ""}
	}

	L = zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = L
	return nil
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return L.With().Str("component", component).Logger()
}
