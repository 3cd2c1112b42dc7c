package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelStrings are the named levels -v accepts; anything else must be a
// positive verbosity number.
var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// LevelFlagValue is the pflag.Value behind -v/--verbosity. Each accepted
// value is reported to onLevelAvailable as it is parsed, so the level takes
// effect before the command runs.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

// NewLevelFlagValue returns a flag value calling onLevelAvailable on Set.
func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{
		onLevelAvailable: onLevelAvailable,
	}
}

// StringToLevel maps "debug"/"info"/"error" or a positive integer to a zap
// level. logr's V(n) corresponds to zap level -n.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level %q", value)
	}
	return zapcore.Level(int8(-n)), nil
}

// Set parses flagValue with StringToLevel and applies it.
func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

// String returns the value last set, as given.
func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

// Type names the value in help output.
func (*LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = &LevelFlagValue{}
