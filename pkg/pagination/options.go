package pagination

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option configures a publisher.
type Option func(*options)

type options struct {
	logger *zerolog.Logger
	name   string
}

// WithLogger sets the logger subscriptions derive their component logger from.
// The global zerolog logger is used by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithName labels the stream in log output, e.g. with the endpoint it reads.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// baseLogger returns the configured logger, or the global one at call time.
func (o options) baseLogger() zerolog.Logger {
	if o.logger != nil {
		return *o.logger
	}
	return log.Logger
}
