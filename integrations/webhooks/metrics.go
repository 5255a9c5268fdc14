package webhooks

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsOnce         sync.Once
	sharedTriggerMetric *triggerMetrics
)

type triggerMetrics struct {
	deliveries metric.Int64Counter
}

func dispatchMetrics() *triggerMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("solanapay-compression/webhooks")
		counter, err := meter.Int64Counter("solpay.mint_trigger.deliveries")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("solanapay-compression/webhooks")
			counter, _ = fallback.Int64Counter("solpay.mint_trigger.deliveries")
		}
		sharedTriggerMetric = &triggerMetrics{deliveries: counter}
	})
	return sharedTriggerMetric
}

func (m *triggerMetrics) record(outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
