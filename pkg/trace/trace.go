// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trace

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/go-vesta/vesta/pkg/version"
)

const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
	ExporterNone     = "none"
)

// Conf configures the OpenTelemetry trace provider.
type Conf struct {
	Enabled        bool              `mapstructure:"enabled"`
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	ExporterType   string            `mapstructure:"exporter_type"`
	Endpoint       string            `mapstructure:"endpoint"`
	Insecure       bool              `mapstructure:"insecure"`
	Headers        map[string]string `mapstructure:"headers"`
	Batch          BatchConf         `mapstructure:"batch"`
}

// BatchConf tunes the batch span processor.
type BatchConf struct {
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	ExportTimeout      time.Duration `mapstructure:"export_timeout"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size"`
}

func (c *Conf) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "vesta"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = version.GetVersion().Version
	}
	if c.ExporterType == "" {
		c.ExporterType = ExporterNone
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.Batch.MaxQueueSize <= 0 {
		c.Batch.MaxQueueSize = 2048
	}
	if c.Batch.BatchTimeout <= 0 {
		c.Batch.BatchTimeout = 5 * time.Second
	}
	if c.Batch.ExportTimeout <= 0 {
		c.Batch.ExportTimeout = 30 * time.Second
	}
	if c.Batch.MaxExportBatchSize <= 0 {
		c.Batch.MaxExportBatchSize = 512
	}
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

// Init installs the global tracer provider. When tracing is disabled or
// the exporter type is none, a noop provider is installed so callers can
// start spans unconditionally.
func Init(ctx context.Context, conf *Conf) (*Provider, error) {
	conf.SetDefaults()

	if !conf.Enabled || conf.ExporterType == ExporterNone {
		p := &Provider{provider: noop.NewTracerProvider()}
		otel.SetTracerProvider(p.provider)
		otel.SetTextMapPropagator(defaultPropagator())
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(conf.ServiceName),
			semconv.ServiceVersion(conf.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace: build resource: %w", err)
	}

	exporter, err := newExporter(ctx, conf)
	if err != nil {
		return nil, err
	}

	sdkProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxQueueSize(conf.Batch.MaxQueueSize),
			sdktrace.WithBatchTimeout(conf.Batch.BatchTimeout),
			sdktrace.WithExportTimeout(conf.Batch.ExportTimeout),
			sdktrace.WithMaxExportBatchSize(conf.Batch.MaxExportBatchSize),
		),
	)

	otel.SetTracerProvider(sdkProvider)
	otel.SetTextMapPropagator(defaultPropagator())

	return &Provider{
		provider: sdkProvider,
		shutdown: sdkProvider.Shutdown,
	}, nil
}

func newExporter(ctx context.Context, conf *Conf) (*otlptrace.Exporter, error) {
	switch conf.ExporterType {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(conf.Endpoint),
			otlptracegrpc.WithHeaders(conf.Headers),
		}
		if conf.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(conf.Endpoint),
			otlptracehttp.WithHeaders(conf.Headers),
		}
		if conf.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("trace: unsupported exporter type: %s", conf.ExporterType)
	}
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Shutdown flushes pending spans. Safe to call on a noop provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Tracer returns a named tracer from the installed global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
