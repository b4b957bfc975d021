package logging

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger once at startup: console
// output on a TTY, JSON otherwise, level from the LOG_LEVEL env var.
func Setup(nodeID string) {
	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = logger.With().Timestamp().Str("node", nodeID).Logger()
}
