package exporters

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-licensing/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"

	startTimeout = 10 * time.Second
)

// New builds the span exporter for OTEL.ADDR. OTEL.PROTOCOL selects the
// transport (grpc by default) and OTEL.INSECURE disables TLS towards the
// collector sidecar.
func New(cfg *config.Config) (*otlptrace.Exporter, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	return otlptrace.New(ctx, client)
}

func newClient(cfg *config.Config) (otlptrace.Client, error) {
	switch cfg.Otel.Protocol {
	case "", ProtocolGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
			otlptracegrpc.WithCompressor("gzip"),
			otlptracegrpc.WithTimeout(startTimeout),
		}
		if cfg.Otel.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.NewClient(opts...), nil
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Otel.Addr),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
			otlptracehttp.WithTimeout(startTimeout),
		}
		if cfg.Otel.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported OTEL.PROTOCOL %q", cfg.Otel.Protocol)
	}
}
