// Package logging builds the process logger: a zap core exposed through the
// logr interface, plus the shims other libraries need to log through it.
package logging

import (
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	JSON    bool
	Verbose bool
}

// New returns a logr.Logger writing to stderr along with a sync function
// to call before exit. LOG_LEVEL=debug enables debug output the same way
// Verbose does.
func New(opts Options) (logr.Logger, func(), error) {
	var config zap.Config
	if opts.JSON {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.DisableStacktrace = true
	}
	config.DisableCaller = !opts.Verbose

	level := zap.InfoLevel
	if opts.Verbose || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = zap.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	zl, err := config.Build()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

var _ retryablehttp.LeveledLogger = (*LeveledLogger)(nil)

// LeveledLogger implements retryablehttp.LeveledLogger on top of logr.
// Info and debug messages from the HTTP client go to V(1).
type LeveledLogger struct {
	logger logr.Logger
}

// NewLeveledLogger wraps logger for use as a retryablehttp logger.
func NewLeveledLogger(logger logr.Logger) *LeveledLogger {
	return &LeveledLogger{logger: logger}
}

func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(nil, msg, sanitize(keysAndValues)...)
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, sanitize(keysAndValues)...)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.V(1).Info(msg, sanitize(keysAndValues)...)
}

func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.V(2).Info(msg, sanitize(keysAndValues)...)
}

// sanitize guards against odd-length or non-string-keyed pairs, which logr
// reports as errors, by folding them into a single field.
func sanitize(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues)%2 != 0 {
		return []interface{}{"fields", keysAndValues}
	}
	for i := 0; i < len(keysAndValues); i += 2 {
		if _, ok := keysAndValues[i].(string); !ok {
			return []interface{}{"fields", keysAndValues}
		}
	}
	return keysAndValues
}
