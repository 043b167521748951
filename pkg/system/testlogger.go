package system

import (
	"go.uber.org/zap"
)

// NewTestLogger returns a sugared development logger without stacktraces.
func NewTestLogger() *zap.SugaredLogger {
	return NewTestZapLogger().Sugar()
}

func NewTestZapLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, _ := cfg.Build()
	return logger
}
