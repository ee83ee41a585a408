package logger

import (
	"go.uber.org/zap"
)

// New builds a zap logger at the given textual level ("debug", "info", ...).
// Development loggers write human-readable console output.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	zapcfg := zap.NewProductionConfig()
	if development {
		zapcfg = zap.NewDevelopmentConfig()
	}
	zapcfg.Level = lvl
	zapcfg.DisableStacktrace = true

	return zapcfg.Build()
}
