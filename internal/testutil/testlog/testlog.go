package testlog

import (
	"testing"

	"github.com/danmuck/relaynet/internal/logging"
	"github.com/rs/zerolog"
)

// Start configures test logging and returns a logger tagged with the test name.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	base := logging.ConfigureTests()
	logger := base.With().Str("test", t.Name()).Logger()
	logger.Info().Msg("test start")
	return logger
}
