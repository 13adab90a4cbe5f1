package main

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"goa.design/clue/clue"
	"goa.design/clue/log"
)

// configureOTEL installs global OpenTelemetry providers writing spans and
// metrics to stderr. The returned func flushes and stops them.
func configureOTEL(ctx context.Context) (func(context.Context), error) {
	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	cfg, err := clue.NewConfig(ctx, "goa-trace-demo", "dev", metricExporter, spanExporter)
	if err != nil {
		return nil, err
	}
	clue.ConfigureOpenTelemetry(ctx, cfg)
	return func(ctx context.Context) {
		for _, p := range []any{cfg.TracerProvider, cfg.MeterProvider} {
			if s, ok := p.(interface{ Shutdown(context.Context) error }); ok {
				if err := s.Shutdown(ctx); err != nil {
					log.Errorf(ctx, err, "failed to shut down OpenTelemetry provider")
				}
			}
		}
	}, nil
}
