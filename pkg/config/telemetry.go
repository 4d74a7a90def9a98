package config

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/version"
)

type Telemetry struct {
	shutdownFuncs []func(context.Context) error
}

// Shutdown flushes and stops all providers.
func (t *Telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, f := range t.shutdownFuncs {
		errs = append(errs, f(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("telemetry shutdown", log.ErrorField(err))
	}
}

// SetupTelemetry installs global meter and tracer providers. Data is sent to
// TelemetryEndpoint via otlp/grpc or printed to stdout if the endpoint is
// "stdout".
func SetupTelemetry(ctx context.Context) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("iss"),
			semconv.ServiceVersion(version.Version)))
	if err != nil {
		return nil, err
	}
	ret := &Telemetry{}

	var metricExporter sdkmetric.Exporter
	var traceExporter sdktrace.SpanExporter
	if TelemetryEndpoint == "stdout" {
		if metricExporter, err = stdoutmetric.New(); err != nil {
			return nil, err
		}
		if traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return nil, err
		}
	} else {
		if metricExporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(TelemetryEndpoint),
			otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
		if traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(TelemetryEndpoint),
			otlptracegrpc.WithInsecure()); err != nil {
			return nil, err
		}
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))))
	otel.SetMeterProvider(meterProvider)
	ret.shutdownFuncs = append(ret.shutdownFuncs, meterProvider.Shutdown)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	ret.shutdownFuncs = append(ret.shutdownFuncs, tracerProvider.Shutdown)

	return ret, nil
}
