// Package observability owns the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It discards output until
// InitCLILogger is called.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for a command-line tool: console
// encoding on stderr, debug level when verbose.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewCLILogger(name, level)
}

// SetLevel replaces CLILogger with one at the named level ("debug", "info",
// "warn", "error"). Unknown names keep the current logger.
func SetLevel(name, level string) bool {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return false
	}
	CLILogger = NewCLILogger(name, lvl)
	return true
}

// NewCLILogger builds a console logger writing to stderr.
func NewCLILogger(name string, level zapcore.Level) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	enc.EncodeCaller = nil
	enc.CallerKey = ""
	enc.StacktraceKey = ""

	if !isTerminal(os.Stderr) {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	return zap.New(core).Named(name)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
