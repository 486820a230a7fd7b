package stratum

import "github.com/stratumhq/stratum/backends"

// Expected-version values accepted beyond exact versions.
const (
	// VersionAny skips the optimistic concurrency check.
	VersionAny = backends.VersionAny

	// VersionNew asserts the aggregate does not exist yet. A new aggregate's
	// version is 0, so this is simply the exact-match check against zero.
	VersionNew int64 = 0
)

// Logger is the logging interface used throughout stratum. Arguments are
// alternating key-value pairs in the style of log/slog.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger discards all log output. It is the default everywhere a Logger
// is optional.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return noopLogger{}
}
