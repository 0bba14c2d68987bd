// Package prometheus exports coronet runtime measurements as
// Prometheus collectors.
package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/webriots/coronet"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter adapts coronet.Metrics to Prometheus collectors.
type Exporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskOutcomeTotal    *prom.CounterVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	workerRestartTotal  *prom.CounterVec
	queueDepth          *prom.GaugeVec
}

var _ coronet.Metrics = (*Exporter)(nil)

// NewExporter creates and registers the collectors. Registering a
// second exporter with the same namespace on reg shares the existing
// collectors.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = coronet.DefaultNamePrefix
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from a task's first run to its completion, in seconds.",
		Buckets:   buckets,
	}, []string{"pool", "priority"})
	outcomeVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_outcome_total",
		Help:      "Total number of tasks by terminal state.",
	}, []string{"pool", "priority", "state"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"pool"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected submissions.",
	}, []string{"pool", "reason"})
	restartVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restart_total",
		Help:      "Total number of worker restarts after a runtime panic.",
	}, []string{"pool", "worker"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Ready tasks across all priorities after the last enqueue.",
	}, []string{"pool"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if outcomeVec, err = registerCollector(reg, outcomeVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if restartVec, err = registerCollector(reg, restartVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}

	return &Exporter{
		taskDurationSeconds: durationVec,
		taskOutcomeTotal:    outcomeVec,
		taskPanicTotal:      panicVec,
		taskRejectedTotal:   rejectedVec,
		workerRestartTotal:  restartVec,
		queueDepth:          queueDepthVec,
	}, nil
}

func (m *Exporter) RecordTaskDuration(pool string, priority coronet.Priority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(pool, "unknown"), priorityLabel(priority)).Observe(duration.Seconds())
}

func (m *Exporter) RecordTaskOutcome(pool string, priority coronet.Priority, state coronet.State) {
	if m == nil {
		return
	}
	m.taskOutcomeTotal.WithLabelValues(normalizeLabel(pool, "unknown"), priorityLabel(priority), state.String()).Inc()
}

func (m *Exporter) RecordTaskPanic(pool string, _ any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

func (m *Exporter) RecordQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(depth))
}

func (m *Exporter) RecordTaskRejected(pool string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func (m *Exporter) RecordWorkerRestart(pool string, worker int) {
	if m == nil {
		return
	}
	m.workerRestartTotal.WithLabelValues(normalizeLabel(pool, "unknown"), strconv.Itoa(worker)).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority coronet.Priority) string {
	if !priority.Valid() {
		return "unknown"
	}
	return priority.String()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
