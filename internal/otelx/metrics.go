package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds every relay metrics instrument, one per concern.
type Metrics struct {
	PushRequestDuration   metric.Float64Histogram
	QueueDepth            metric.Int64UpDownCounter
	QueueRejected         metric.Int64Counter
	GatewayReconnects     metric.Int64Counter
	GatewayRequestDuration metric.Float64Histogram
	ChatRunAttempts       metric.Int64Counter
	ChatRunOutcome        metric.Int64Counter
	CircuitState          metric.Int64UpDownCounter
	BackendCallbackDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PushRequestDuration, err = meter.Float64Histogram("relay.push.request.duration",
		metric.WithDescription("Push server request handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("relay.queue.depth",
		metric.WithDescription("Current work queue length plus in-flight count"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejected, err = meter.Int64Counter("relay.queue.rejected",
		metric.WithDescription("Enqueue attempts rejected, labeled full/closed"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayReconnects, err = meter.Int64Counter("relay.gateway.reconnects",
		metric.WithDescription("Gateway client reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayRequestDuration, err = meter.Float64Histogram("relay.gateway.request.duration",
		metric.WithDescription("Gateway request/response round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatRunAttempts, err = meter.Int64Counter("relay.chatrun.attempts",
		metric.WithDescription("chat.send attempts issued by the chat runner"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatRunOutcome, err = meter.Int64Counter("relay.chatrun.outcome",
		metric.WithDescription("Chat task terminal outcomes, labeled reply/no_reply/error"),
	)
	if err != nil {
		return nil, err
	}

	m.CircuitState, err = meter.Int64UpDownCounter("relay.circuit.state",
		metric.WithDescription("Circuit breaker state per breaker name (0 closed, 1 open, 2 half-open)"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCallbackDuration, err = meter.Float64Histogram("relay.backend.callback.duration",
		metric.WithDescription("Backend callback POST duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
