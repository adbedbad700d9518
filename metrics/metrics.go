// Package metrics exposes Prometheus collectors for the binder engines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	jobsPosted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "binder",
			Subsystem: "jobs",
			Name:      "posted_total",
			Help:      "Jobs accepted by the scheduler.",
		},
	)
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "binder",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs finished, by outcome.",
		},
		[]string{"outcome"},
	)
	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "binder",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently running.",
		},
	)
	eventsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "binder",
			Subsystem: "events",
			Name:      "pushed_total",
			Help:      "Event pushes that reached at least one listener.",
		},
	)
	eventsBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "binder",
			Subsystem: "events",
			Name:      "broadcast_total",
			Help:      "Broadcasts delivered locally.",
		},
	)
	relayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "binder",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Relayed events, by direction (out, in, dropped).",
		},
		[]string{"direction"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "binder",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests replied, by api and status.",
		},
		[]string{"api", "status"},
	)
)

// Register adds the binder collectors to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(jobsPosted, jobsFinished, jobsRunning, eventsPushed, eventsBroadcast, relayed, requests)
	})
}

// Collectors returns the binder collectors for callers using their own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{jobsPosted, jobsFinished, jobsRunning, eventsPushed, eventsBroadcast, relayed, requests}
}

func JobPosted() { jobsPosted.Inc() }

func JobStarted() { jobsRunning.Inc() }

// JobFinished records the end of a job; outcome is "completed", "aborted", "timeout" or "fault".
func JobFinished(outcome string, ran bool) {
	if ran {
		jobsRunning.Dec()
	}
	jobsFinished.WithLabelValues(outcome).Inc()
}

func EventPushed() { eventsPushed.Inc() }

func EventBroadcast() { eventsBroadcast.Inc() }

// EventRelayed records a relayed event; direction is "out", "in" or "dropped".
func EventRelayed(direction string) { relayed.WithLabelValues(direction).Inc() }

func RequestReplied(api, status string) {
	requests.WithLabelValues(api, status).Inc()
}
