// Package logger builds the relay's logr.Logger on top of zap.
//
// Console output always goes to stderr: in stdio mode stdout carries the
// protocol stream and a single stray byte there corrupts the session.
package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EnvLogFile names a JSON diagnostics log to write in addition to stderr.
	EnvLogFile = "DAP_RELAY_LOG_FILE"

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
	logFileFlagName        = "log-file"

	criticalLogName = "pydevd_dap_critical.log"
)

// Logger is a logr.Logger whose verbosity and outputs can be changed after
// creation: AddFlags wires the level to the command line and AttachFile
// adds a JSON file next to the stderr console.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	encoderCfg  zapcore.EncoderConfig
	consoleCore zapcore.Core
	flush       func()
}

// New creates a logger writing human readable lines to stderr.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}

	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), atomicLevel)

	l := &Logger{
		atomicLevel: atomicLevel,
		encoderCfg:  encoderConfig,
		consoleCore: consoleCore,
	}
	l.install(name, consoleCore)
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{
		Logger:      logr.Discard(),
		atomicLevel: zap.NewAtomicLevel(),
		flush:       func() {},
	}
}

func (l *Logger) install(name string, core zapcore.Core) {
	zapLogger := zap.New(core)
	l.Logger = zapr.NewLogger(zapLogger).WithName(name)
	l.flush = func() {
		_ = zapLogger.Sync()
	}
}

// SetLevel changes the console verbosity.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Flush syncs all outputs.
func (l *Logger) Flush() {
	l.flush()
}

// AddFlags registers -v/--verbosity and --log-file on fs.
func (l *Logger) AddFlags(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer for increasing debug verbosity.")
	fs.String(logFileFlagName, os.Getenv(EnvLogFile), "Also write JSON diagnostics to this file (defaults to $"+EnvLogFile+")")
}

// AttachFile adds a JSON core writing to path. The file is created
// exclusively; if path is taken, a numeric suffix is tried with backoff.
func (l *Logger) AttachFile(name, path string) error {
	if path == "" {
		return nil
	}
	if l.consoleCore == nil {
		return errors.New("cannot attach a log file to a discarding logger")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log folder: %w", err)
	}

	attempt := 0
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	file, err := backoff.RetryWithData(func() (*os.File, error) {
		candidate := path
		if attempt > 0 {
			candidate = fmt.Sprintf("%s.%d", path, attempt)
		}
		attempt++
		return os.OpenFile(candidate, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	}, b)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(l.encoderCfg), zapcore.AddSync(file), l.atomicLevel)
	l.install(name, zapcore.NewTee(l.consoleCore, fileCore))
	return nil
}

// LogFileFlag returns the --log-file value registered by AddFlags.
func LogFileFlag(fs *pflag.FlagSet) string {
	v, err := fs.GetString(logFileFlagName)
	if err != nil {
		return ""
	}
	return v
}

// CriticalLogPath is where startup failures are recorded: a logs folder
// next to the executable.
func CriticalLogPath() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join(os.TempDir(), "logs", criticalLogName)
	}
	return filepath.Join(filepath.Dir(exe), "logs", criticalLogName)
}

// WriteCritical appends trace to the critical log at path. Errors are
// reported on stderr since there is nowhere else left to report them.
func WriteCritical(path, trace string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create critical log folder: %v\n", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open critical log: %v\n", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "----- Critical error with pydevd dap adapter:\n%s\n", trace)
}
