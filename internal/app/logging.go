package app

import (
	"os"
	"strings"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Options{
		Output:      os.Stdout,
		Level:       logger.ParseLevel(cfg.Log.Level),
		AddCaller:   !cfg.IsProduction(),
		Development: strings.EqualFold(cfg.Log.Format, "console"),
	}).With(
		logger.String("app", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
}
