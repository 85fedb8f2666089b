package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/keyforge/internal/logging"
)

const instrumentationName = "github.com/Iron-Ham/keyforge/internal/coordinator"

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running     bool           `json:"running"`
	Workers     []WorkerStatus `json:"workers"`
	BacklogSize int            `json:"backlog_size"`
	Submitted   int            `json:"submitted"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Retrying    int            `json:"retrying"`
	Uptime      time.Duration  `json:"uptime"`
}

// Metrics summarizes scheduler performance since Start.
type Metrics struct {
	Throughput     float64       `json:"throughput"` // completed tasks per second
	AverageLatency time.Duration `json:"average_latency"`
	LoadBalance    float64       `json:"load_balance"` // 1 is perfectly even
	StealEvents    int           `json:"steal_events"`
	StolenTasks    int           `json:"stolen_tasks"`
	ScaleUps       int           `json:"scale_ups"`
	ScaleDowns     int           `json:"scale_downs"`
	Restarts       int           `json:"restarts"`
	Retries        int           `json:"retries"`
}

// Status returns worker states in creation order along with queue counts.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Running:     c.running,
		Workers:     make([]WorkerStatus, 0, len(c.order)),
		BacklogSize: len(c.backlog) + len(c.timers),
		Submitted:   c.counters.submitted,
		Completed:   c.counters.completed,
		Failed:      c.counters.failed,
		Retrying:    len(c.timers),
	}
	if c.running {
		s.Uptime = c.now().Sub(c.startedAt)
	}
	for _, id := range c.order {
		e := c.workers[id]
		s.Workers = append(s.Workers, WorkerStatus{
			ID:          id,
			State:       e.state,
			QueueLength: len(e.queue),
			Stats:       e.stats,
		})
	}
	return s
}

// Metrics returns throughput, latency and balance figures.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{
		LoadBalance: 1,
		StealEvents: c.counters.stealEvents,
		StolenTasks: c.counters.stolenTasks,
		ScaleUps:    c.counters.scaleUps,
		ScaleDowns:  c.counters.scaleDowns,
		Restarts:    c.counters.restarts,
		Retries:     c.counters.retried,
	}
	if c.counters.completed > 0 {
		m.AverageLatency = c.counters.totalExec / time.Duration(c.counters.completed)
	}
	if !c.startedAt.IsZero() {
		if elapsed := c.now().Sub(c.startedAt).Seconds(); elapsed > 0 {
			m.Throughput = float64(c.counters.completed) / elapsed
		}
	}

	if len(c.order) > 0 {
		lo, hi := -1, 0
		for _, id := range c.order {
			n := len(c.workers[id].queue)
			hi = max(hi, n)
			if lo < 0 || n < lo {
				lo = n
			}
		}
		if hi > 0 {
			m.LoadBalance = 1 - float64(hi-lo)/float64(hi)
		}
	}
	return m
}

// instruments records coordinator activity through the global OpenTelemetry
// providers. Until a provider is installed these are no-ops.
type instruments struct {
	submittedTasks metric.Int64Counter
	completedTasks metric.Int64Counter
	failedTasks    metric.Int64Counter
	stolenTasks    metric.Int64Counter
	duration       metric.Float64Histogram
	tracer         trace.Tracer
}

func newInstruments(logger *logging.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.Meter{}

	counter := func(name, desc string) metric.Int64Counter {
		ctr, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{task}"))
		if err != nil {
			logger.Warn("failed to create metric", "name", name, "error", err.Error())
			ctr, _ = fallback.Int64Counter(name)
		}
		return ctr
	}

	hist, err := meter.Float64Histogram("task.duration",
		metric.WithDescription("Execution time of completed tasks"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create metric", "name", "task.duration", "error", err.Error())
		hist, _ = fallback.Float64Histogram("task.duration")
	}

	return &instruments{
		submittedTasks: counter("tasks.submitted", "Tasks accepted into the backlog"),
		completedTasks: counter("tasks.completed", "Tasks that finished successfully"),
		failedTasks:    counter("tasks.failed", "Failed task attempts"),
		stolenTasks:    counter("steal.moved", "Tasks moved between worker queues by stealing"),
		duration:       hist,
		tracer:         otel.Tracer(instrumentationName),
	}
}

func (m *instruments) submitted(phaseType string) {
	m.submittedTasks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("phase", phaseType)))
}

func (m *instruments) failed(phaseType string, final bool) {
	m.failedTasks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("phase", phaseType),
		attribute.Bool("final", final),
	))
}

func (m *instruments) stolen(n int) {
	m.stolenTasks.Add(context.Background(), int64(n))
}

// completed counts the task and records a span covering its execution.
func (m *instruments) completed(task *Task, workerID string, found bool, exec time.Duration, finished time.Time) {
	ctx := context.Background()
	phaseAttr := attribute.String("phase", task.PhaseType)
	m.completedTasks.Add(ctx, 1, metric.WithAttributes(phaseAttr))
	m.duration.Record(ctx, exec.Seconds(), metric.WithAttributes(phaseAttr))

	_, span := m.tracer.Start(ctx, "task.execute",
		trace.WithTimestamp(finished.Add(-exec)),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("worker.id", workerID),
			attribute.Int("task.attempts", task.Attempts),
			attribute.Bool("password.found", found),
			phaseAttr,
		))
	span.End(trace.WithTimestamp(finished))
}
