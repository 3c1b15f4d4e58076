// Package logging provides the shared zerolog configuration for mbsyncgo.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	base   zerolog.Logger
	levelM sync.Mutex
)

func initBase() {
	level := zerolog.InfoLevel
	if v := strings.ToLower(os.Getenv("MBSYNCGO_LOG")); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	base = zerolog.New(writer).With().Timestamp().Logger().Level(level)
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) zerolog.Logger {
	once.Do(initBase)
	return base.With().Str("component", name).Logger()
}

// SetLevel adjusts the global minimum log level at runtime.
func SetLevel(level zerolog.Level) {
	once.Do(initBase)
	levelM.Lock()
	defer levelM.Unlock()
	base = base.Level(level)
}
