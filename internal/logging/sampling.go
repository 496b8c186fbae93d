package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore applies level-aware sampling: warn and below go through
// zap's sampler with the info-level budget, error and above always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	alwaysOn := &bandedCore{Core: core, min: zapcore.ErrorLevel}
	routine := &bandedCore{Core: core, max: zapcore.WarnLevel}

	budget := cfg.Levels[zapcore.InfoLevel]
	sampled := zapcore.NewSamplerWithOptions(routine,
		cfg.Tick.Duration(), budget.Initial, budget.Thereafter)

	return zapcore.NewTee(alwaysOn, sampled)
}

// bandedCore restricts a core to a level band. A zero bound is open.
type bandedCore struct {
	zapcore.Core
	min zapcore.Level
	max zapcore.Level
}

func (c *bandedCore) Enabled(lvl zapcore.Level) bool {
	if c.min != 0 && lvl < c.min {
		return false
	}
	if c.max != 0 && lvl > c.max {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *bandedCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandedCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandedCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
