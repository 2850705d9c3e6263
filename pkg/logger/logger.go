package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Debug        bool `split_words:"true" default:"false"`
	PrettyFormat bool `split_words:"true" default:"false"`
	// Level is a zerolog level name and wins over Debug when set.
	Level string `split_words:"true"`
	// Stderr keeps logs off stdout, where the REPL prints replies.
	Stderr bool `split_words:"true" default:"false"`
}

var DefaultConfig = &Config{}

func safe(opts ...Config) *Config {
	if len(opts) == 0 {
		return DefaultConfig
	}
	return &opts[0]
}

func (c Config) level() zerolog.Level {
	if v := strings.TrimSpace(c.Level); v != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			return lvl
		}
	}
	if c.Debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// New builds a logger from conf without touching the global one.
func New(conf Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if conf.Stderr {
		out = os.Stderr
	}
	if conf.PrettyFormat {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).
		Level(conf.level()).
		With().
		Timestamp().
		Caller().
		Stack().
		Logger()
}

func Init(opts ...Config) {
	log.Logger = New(*safe(opts...))
}
