// Package corelog builds the *zap.Logger shared by every entrypoint
// (cmd/cosim-master, cmd/cosim-slave-agent, cmd/cosim-provider), factored
// out of the one-off buildLogger each teacher cmd/*/main.go hand-rolls
// since this module has three of them instead of two.
package corelog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for level ("debug", "info", "warn", "error") and
// env ("dev" uses zap.NewDevelopmentConfig's console encoder, anything else
// — including "" — uses zap.NewProductionConfig's JSON encoder).
func New(level, env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("corelog: unknown log level %q", level)
	}
}
