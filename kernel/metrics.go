package kernel

import "github.com/prometheus/client_golang/prometheus"

// metrics is the kernel's process-local instrumentation (SPEC_FULL.md
// §11): task lifecycle counts, syscall counts by module and status, and
// stream byte counters. This is an ambient observability concern, not the
// "multi-tenant fairness" spec.md declares a non-goal — nothing here
// influences scheduling.
type metrics struct {
	tasksSpawned  prometheus.Counter
	tasksFinished prometheus.Counter
	tasksTrapped  prometheus.Counter

	syscalls *prometheus.CounterVec

	streamBytesRead    prometheus.Counter
	streamBytesWritten prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipwis",
			Subsystem: "kernel",
			Name:      "tasks_spawned_total",
			Help:      "Total tasks accepted by spawn.",
		}),
		tasksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipwis",
			Subsystem: "kernel",
			Name:      "tasks_finished_total",
			Help:      "Total tasks observed completing normally via poll/wait.",
		}),
		tasksTrapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipwis",
			Subsystem: "kernel",
			Name:      "tasks_trapped_total",
			Help:      "Total tasks observed terminating with a guest trap.",
		}),
		syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipwis",
			Subsystem: "kernel",
			Name:      "syscalls_total",
			Help:      "Total __ipwis_syscall dispatches by target module and status.",
		}, []string{"module", "status"}),
		streamBytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipwis",
			Subsystem: "stream",
			Name:      "bytes_read_total",
			Help:      "Total bytes returned by stream ReaderNext across all tasks.",
		}),
		streamBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipwis",
			Subsystem: "stream",
			Name:      "bytes_written_total",
			Help:      "Total bytes accepted by stream WriterNext across all tasks.",
		}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	// Registration errors (AlreadyRegisteredError on a shared registry, e.g.
	// a second Kernel in the same process/test binary) are ignored: the
	// collector that failed to register still counts, but it is not
	// exported; the registry keeps exposing only the one registered first.
	for _, c := range []prometheus.Collector{
		m.tasksSpawned, m.tasksFinished, m.tasksTrapped, m.syscalls,
		m.streamBytesRead, m.streamBytesWritten,
	} {
		_ = reg.Register(c)
	}

	return m
}

func statusLabel(status uint32) string {
	switch status {
	case 0:
		return "ok"
	case 1:
		return "error"
	default:
		return "fault"
	}
}
