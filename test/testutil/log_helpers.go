// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/ragcore/internal/logging"
)

// LogLevelEnv selects the log level of test runs, e.g. RAGCORE_TEST_LOG_LEVEL=debug
const LogLevelEnv = "RAGCORE_TEST_LOG_LEVEL"

// InitTestLogger routes the global logger to a console writer on stderr at
// the level named by LogLevelEnv, warn by default
func InitTestLogger() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	zerolog.SetGlobalLevel(logging.ParseLevel(os.Getenv(LogLevelEnv), zerolog.WarnLevel))
}

// TestLogLevel sets the global level for the duration of one test
func TestLogLevel(t testing.TB, level zerolog.Level) {
	t.Helper()
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(level)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}
