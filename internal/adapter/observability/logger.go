// Package observability provides logging, metrics, and tracing.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/rainco77/evochora-sub004/internal/config"
)

// SetupLogger configures the process-wide JSON logger. Every record
// carries the component name alongside the service and environment so
// the pipeline binaries stay distinguishable in a merged log stream.
func SetupLogger(cfg config.Config, component string) *slog.Logger {
	return newLogger(os.Stdout, cfg, component)
}

func newLogger(w io.Writer, cfg config.Config, component string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("component", component),
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
