package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulesCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasque_schedules_created_total", Help: "Schedules accepted for execution"})
	MessagesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasque_messages_enqueued_total", Help: "Queue messages accepted"})
	WakesFired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasque_wakes_fired_total", Help: "Actor wake callbacks delivered"})
	DispatchSuccess  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasque_dispatch_success_total", Help: "Outbound dispatches with a 2xx response"})
	DispatchFailure  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasque_dispatch_failure_total", Help: "Outbound dispatches that failed or returned non-2xx"})
	DispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasque_dispatch_inflight", Help: "Outbound dispatches currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulesCreated,
			MessagesEnqueued,
			WakesFired,
			DispatchSuccess,
			DispatchFailure,
			DispatchInFlight,
		)
	})
	return promhttp.Handler()
}
