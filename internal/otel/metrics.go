package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all depot metrics instruments.
type Metrics struct {
	TasksEnqueued      metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksCanceled      metric.Int64Counter
	TaskDuration       metric.Float64Histogram
	QueueWait          metric.Float64Histogram
	ReservationsParked metric.Int64UpDownCounter
	WorkersActive      metric.Int64UpDownCounter
	RecoveryOrphans    metric.Int64Counter
	ScheduleFirings    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("depot.tasks.enqueued",
		metric.WithDescription("Tasks accepted by dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("depot.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("depot.tasks.failed",
		metric.WithDescription("Tasks finished with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCanceled, err = meter.Int64Counter("depot.tasks.canceled",
		metric.WithDescription("Tasks canceled before or during execution"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("depot.task.duration",
		metric.WithDescription("Task handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueWait, err = meter.Float64Histogram("depot.task.queue_wait",
		metric.WithDescription("Time from enqueue to first start in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsParked, err = meter.Int64UpDownCounter("depot.reservations.parked",
		metric.WithDescription("Tasks parked waiting for resource keys"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkersActive, err = meter.Int64UpDownCounter("depot.workers.active",
		metric.WithDescription("Workers currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryOrphans, err = meter.Int64Counter("depot.recovery.orphans",
		metric.WithDescription("Orphaned running tasks found by recovery sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleFirings, err = meter.Int64Counter("depot.schedule.firings",
		metric.WithDescription("Tasks dispatched by the cron scheduler"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
