// internal/observability/console.go
package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PageConsole forwards a page's console output to a zap logger. Both browser
// backends report through it so page logs look the same everywhere.
type PageConsole struct {
	logger *zap.Logger
}

// NewPageConsole returns a console writing under logger's "console" child.
func NewPageConsole(logger *zap.Logger) *PageConsole {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageConsole{logger: logger.Named("console")}
}

// Log records one console call. method is the console method name
// ("log", "warn", ...) and args are its already rendered arguments.
func (c *PageConsole) Log(method string, args []string) {
	c.logger.Log(ConsoleLevel(method), "[JS Console]",
		zap.String("method", method),
		zap.String("message", strings.Join(args, " ")))
}

// ConsoleLevel maps a console method, or a CDP console API type, to a level.
func ConsoleLevel(method string) zapcore.Level {
	switch method {
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "assert":
		return zapcore.ErrorLevel
	case "debug", "trace", "verbose":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
