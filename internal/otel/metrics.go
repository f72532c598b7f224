package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all swarmd metrics instruments.
type Metrics struct {
	LockAcquires       metric.Int64Counter
	LockBusy           metric.Int64Counter
	LockReleases       metric.Int64Counter
	MessagesSent       metric.Int64Counter
	MessagesDelivered  metric.Int64Counter
	CheckpointsCreated metric.Int64Counter
	TasksCreated       metric.Int64Counter
	SessionDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LockAcquires, err = meter.Int64Counter("swarmd.lock.acquires",
		metric.WithDescription("Lock acquisitions granted"),
	)
	if err != nil {
		return nil, err
	}

	m.LockBusy, err = meter.Int64Counter("swarmd.lock.busy",
		metric.WithDescription("Lock acquisitions rejected because the resource was held"),
	)
	if err != nil {
		return nil, err
	}

	m.LockReleases, err = meter.Int64Counter("swarmd.lock.releases",
		metric.WithDescription("Locks released by their owner"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("swarmd.message.sent",
		metric.WithDescription("Messages persisted by the broker"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("swarmd.message.delivered",
		metric.WithDescription("Messages returned to receivers"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsCreated, err = meter.Int64Counter("swarmd.checkpoint.created",
		metric.WithDescription("Checkpoints written to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("swarmd.task.created",
		metric.WithDescription("Tasks created in the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("swarmd.session.duration",
		metric.WithDescription("Coordination session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
