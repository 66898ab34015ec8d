package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings controls how the global zerolog logger is initialized.
type Settings struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `mapstructure:"level"`
	// Format is "console" or "json". The default picks console when
	// stderr is a terminal and json otherwise.
	Format string `mapstructure:"format"`
	// WithCaller adds the caller file:line to each entry.
	WithCaller bool `mapstructure:"with-caller"`
}

// DefaultSettings returns info-level logging with terminal auto-detection.
func DefaultSettings() Settings {
	return Settings{Level: "info"}
}

// Init configures the global zerolog logger. It is safe to call more than
// once; the last call wins.
func Init(s Settings) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	format := s.Format
	if format == "" {
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "console"
		} else {
			format = "json"
		}
	}
	switch format {
	case "console":
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	case "json":
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	logger := zerolog.New(w).Level(level).With().Timestamp()
	if s.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	zerolog.DefaultContextLogger = &log.Logger

	return nil
}
