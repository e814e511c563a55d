package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a slog.Logger writing text, or JSON when LOG_FORMAT=json.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && !cfg.IsProduction() {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "wms"), slog.String("env", envOf(cfg)))
}

func envOf(cfg *Config) string {
	if cfg == nil {
		return "development"
	}
	return cfg.AppEnv
}
