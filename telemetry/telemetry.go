// Package telemetry bootstraps OpenTelemetry tracing and metrics,
// adapted from the pack's go-core/telemetry provider setup, and exposes a
// Metrics implementation the Broker wires into Transit for
// broker.call.total / broker.call.errors / broker.pending_requests.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitTracer bootstraps the OpenTelemetry TracerProvider with an
// OTLP/gRPC span exporter targeting endpoint. The caller must defer
// tp.Shutdown(ctx) to flush pending spans.
func InitTracer(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting endpoint. The caller must defer
// mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// BrokerMetrics implements transit.Metrics on top of an OTel Meter. It
// satisfies the interface structurally — transit does not import this
// package, avoiding a dependency from the core onto the telemetry layer.
type BrokerMetrics struct {
	callTotal       metric.Int64Counter
	callErrors      metric.Int64Counter
	pendingRequests metric.Int64UpDownCounter
	lastPending     atomic.Int64
}

// NewBrokerMetrics creates the three instruments the Transit layer drives:
// broker.call.total, broker.call.errors, broker.pending_requests.
func NewBrokerMetrics(meter metric.Meter) (*BrokerMetrics, error) {
	callTotal, err := meter.Int64Counter("broker.call.total")
	if err != nil {
		return nil, err
	}
	callErrors, err := meter.Int64Counter("broker.call.errors")
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64UpDownCounter("broker.pending_requests")
	if err != nil {
		return nil, err
	}
	return &BrokerMetrics{callTotal: callTotal, callErrors: callErrors, pendingRequests: pending}, nil
}

func (m *BrokerMetrics) IncCallTotal() {
	m.callTotal.Add(context.Background(), 1)
}

func (m *BrokerMetrics) IncCallError() {
	m.callErrors.Add(context.Background(), 1)
}

func (m *BrokerMetrics) SetPendingRequests(n int) {
	prev := m.lastPending.Swap(int64(n))
	m.pendingRequests.Add(context.Background(), int64(n)-prev)
}
