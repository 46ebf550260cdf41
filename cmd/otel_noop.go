//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/memclaw/internal/config"
)

// initOTelExporter is a no-op when built without the "otel" tag.
// Build with `go build -tags otel` to enable OpenTelemetry export.
func initOTelExporter(_ context.Context, cfg *config.Config) func(context.Context) error {
	if cfg.Telemetry.Enabled {
		slog.Warn("otel: telemetry.enabled is set but this binary was built without -tags otel")
	}
	return nil
}
