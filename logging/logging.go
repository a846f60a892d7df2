// Package logging builds the structured zap.Logger every component in
// this module accepts by injection rather than reading from global state
// (spec.md §9 "Global logger configuration").
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Env selects the logger preset.
type Env string

const (
	EnvProduction  Env = "production"
	EnvDevelopment Env = "development"
)

// New builds a *zap.Logger for env, with level overridable by levelName
// (one of zapcore's level strings; empty keeps the preset default).
func New(env Env, levelName string) (*zap.Logger, error) {
	var cfg zap.Config
	switch env {
	case EnvDevelopment:
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	if levelName != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(levelName)); err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	return cfg.Build()
}
