package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentmux metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	DispatchDuration  metric.Float64Histogram
	InvokeDuration    metric.Float64Histogram
	MessagesProcessed metric.Int64Counter
	MessagesDead      metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	ActiveChains      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentmux.request.duration",
		metric.WithDescription("Control API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("agentmux.dispatch.duration",
		metric.WithDescription("Message processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeDuration, err = meter.Float64Histogram("agentmux.invoke.duration",
		metric.WithDescription("Agent back-end call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesProcessed, err = meter.Int64Counter("agentmux.messages.processed",
		metric.WithDescription("Total messages processed"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDead, err = meter.Int64Counter("agentmux.messages.dead",
		metric.WithDescription("Messages parked in the dead-letter state"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("agentmux.queue.depth",
		metric.WithDescription("Pending messages in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveChains, err = meter.Int64UpDownCounter("agentmux.chains.active",
		metric.WithDescription("Agent chains with a message in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
