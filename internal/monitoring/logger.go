package monitoring

import (
	"log"
	"time"

	"tailscale.com/types/logger"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Default rate-limit settings for routine events (late packets, uncalibrated
// cameras) that occur under normal trigger jitter.
const (
	DefaultRateInterval = 10 * time.Second
	DefaultRateBurst    = 3
	rateCacheSize       = 64
)

// RateLimited wraps f so that each distinct format string is emitted at most
// burst times per interval. Suppressed messages are summarised by the
// underlying limiter. A nil f yields a no-op logger.
func RateLimited(f func(format string, v ...interface{}), interval time.Duration, burst int) func(format string, v ...interface{}) {
	if f == nil {
		return func(string, ...interface{}) {}
	}
	if interval <= 0 {
		interval = DefaultRateInterval
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	return logger.RateLimitedFn(logger.Logf(f), interval, burst, rateCacheSize)
}
