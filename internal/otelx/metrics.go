package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds every inboxd metric instrument.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TasksSubmitted   metric.Int64Counter
	TasksDeduped     metric.Int64Counter
	TasksFailed      metric.Int64Counter
	InferenceCalls   metric.Int64Counter
	InferenceLatency metric.Float64Histogram
	QueueDepth       metric.Int64UpDownCounter
	EventsBroadcast  metric.Int64Counter
	EventsDropped    metric.Int64Counter
}

// NewMetrics creates every metric instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("inboxd.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSubmitted, err = meter.Int64Counter("inboxd.task.submitted",
		metric.WithDescription("Tasks accepted by the Task Manager"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeduped, err = meter.Int64Counter("inboxd.task.deduped",
		metric.WithDescription("Submits dropped as duplicate fingerprints"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("inboxd.task.failed",
		metric.WithDescription("Tasks that completed with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceCalls, err = meter.Int64Counter("inboxd.inference.calls",
		metric.WithDescription("UseService acquisitions against the inference supervisor"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceLatency, err = meter.Float64Histogram("inboxd.inference.latency",
		metric.WithDescription("Time spent holding a UseService acquisition"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("inboxd.queue.depth",
		metric.WithDescription("Current backlog per named queue"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("inboxd.eventbus.broadcast",
		metric.WithDescription("Messages broadcast over the event bus"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("inboxd.eventbus.dropped",
		metric.WithDescription("Broadcast messages dropped due to a saturated client buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
