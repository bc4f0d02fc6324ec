package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all queue metric instruments.
type Metrics struct {
	EnqueueCount    metric.Int64Counter
	DedupeHits      metric.Int64Counter
	ClaimCount      metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	LeaseExpiries   metric.Int64Counter
	LeaseExtensions metric.Int64Counter
	SupersedeCount  metric.Int64Counter
	RetryCount      metric.Int64Counter
	ActiveWorkers   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EnqueueCount, err = meter.Int64Counter("stewardq.enqueue.count",
		metric.WithDescription("Tasks accepted by enqueue"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupeHits, err = meter.Int64Counter("stewardq.enqueue.dedupe_hits",
		metric.WithDescription("Enqueue calls absorbed by an existing dedupe key"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimCount, err = meter.Int64Counter("stewardq.claim.count",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("stewardq.task.duration",
		metric.WithDescription("Task handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExpiries, err = meter.Int64Counter("stewardq.lease.expiries",
		metric.WithDescription("Expired leases reclaimed by a later claim"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExtensions, err = meter.Int64Counter("stewardq.lease.extensions",
		metric.WithDescription("Heartbeat lease extensions"),
	)
	if err != nil {
		return nil, err
	}

	m.SupersedeCount, err = meter.Int64Counter("stewardq.supersede.count",
		metric.WithDescription("Tasks canceled by supersession"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryCount, err = meter.Int64Counter("stewardq.retry.count",
		metric.WithDescription("Failed tasks rescheduled with a retry time"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("stewardq.worker.active",
		metric.WithDescription("Workers currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
