package tracing

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/replicate/cog-director/internal/logging"
)

// Setup installs the global tracer provider and returns its shutdown
// function. Without OTEL_SERVICE_NAME in the environment tracing stays
// disabled and the shutdown function is a no-op.
func Setup(ctx context.Context, logger *logging.Logger) (func(context.Context), error) {
	log := logger.Named("tracing").Sugar()

	if os.Getenv("OTEL_SERVICE_NAME") == "" {
		log.Debugw("tracing disabled")
		return func(context.Context) {}, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	log.Infow("tracing enabled")

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("failed to shut down tracer provider", "error", err)
		}
	}, nil
}
