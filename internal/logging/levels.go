package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one step below zap's Debug (-2 vs -1). The engine logs
// per-primitive invocations and state merges here; production configs leave
// it filtered out.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a config level string. "trace" maps to TraceLevel;
// everything else goes through zapcore's own parser.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
