// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	mu sync.Mutex

	// CLILogger is the logger used by commands. It writes to stderr so
	// stdout stays reserved for records. Nop until InitCLILogger runs.
	CLILogger = zap.NewNop()
)

// InitCLILogger replaces CLILogger with a logger at level using profile.
// An empty profile picks CONSOLE on a terminal and STRUCTURED otherwise.
func InitCLILogger(level, profile string) error {
	l, err := NewLogger(level, profile, os.Stderr)
	if err != nil {
		return err
	}
	mu.Lock()
	CLILogger = l
	mu.Unlock()
	return nil
}

// SetCLILogger swaps CLILogger, returning a function that restores the old one.
func SetCLILogger(l *zap.Logger) func() {
	mu.Lock()
	defer mu.Unlock()
	prev := CLILogger
	if l == nil {
		l = zap.NewNop()
	}
	CLILogger = l
	return func() {
		mu.Lock()
		CLILogger = prev
		mu.Unlock()
	}
}

// Sync flushes CLILogger.
func Sync() {
	mu.Lock()
	l := CLILogger
	mu.Unlock()
	_ = l.Sync()
}

// NewLogger builds a zap logger writing to out.
func NewLogger(level, profile string, out *os.File) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(profile) == "" {
		profile = ProfileStructured
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			profile = ProfileConsole
		}
	}

	var enc zapcore.Encoder
	switch strings.ToUpper(profile) {
	case ProfileStructured:
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	case ProfileConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		if isatty.IsTerminal(out.Fd()) {
			ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown logging profile %q (expected STRUCTURED or CONSOLE)", profile)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(out), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", "pcflow")), nil
}

// ParseLevel maps debug, info, warn and error onto zap levels.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
