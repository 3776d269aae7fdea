package observability

import "github.com/rs/zerolog"

// ComponentLogger tags base with the owning component kind and logical id.
func ComponentLogger(base zerolog.Logger, kind, id string) zerolog.Logger {
	return base.With().Str("component", kind).Str("id", id).Logger()
}

// MessageEvent picks the event level for per-message logs; quiet messages
// drop to trace so heartbeats do not flood info output.
func MessageEvent(logger zerolog.Logger, quiet bool) *zerolog.Event {
	if quiet {
		return logger.Trace()
	}
	return logger.Debug()
}
