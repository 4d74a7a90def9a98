// Package metrics registers otel observable gauges for in-process counters.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/iracelog-session-sync/log"
)

// Gauge describes a single observable value.
type Gauge struct {
	Name  string
	Desc  string
	Unit  string
	Value func() int64
}

// Register creates an Int64ObservableGauge for each entry on the global
// meter provider. Registration errors are logged, never returned.
//
//nolint:whitespace // can't make both editor and linter happy
func Register(
	meterName string,
	attrs []attribute.KeyValue,
	gauges ...Gauge,
) {
	meter := otel.GetMeterProvider().Meter(meterName)
	for _, g := range gauges {
		valueProvider := g.Value
		if _, err := meter.Int64ObservableGauge(
			g.Name,
			metric.WithDescription(g.Desc),
			metric.WithUnit(g.Unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(valueProvider(), metric.WithAttributes(attrs...))
				return nil
			})); err != nil {
			log.Error("failed to register metric",
				log.String("metric", g.Name),
				log.ErrorField(err))
		}
	}
}

// Count is a convenience for counters backed by uint64 values.
func Count(name, desc string, value func() uint64) Gauge {
	return Gauge{
		Name:  name,
		Desc:  desc,
		Unit:  "{count}",
		Value: func() int64 { return int64(value()) }, //nolint:gosec // counters stay small
	}
}
