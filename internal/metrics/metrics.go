// Package metrics holds the Prometheus collectors for runs and progress streaming.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts sessions accepted by the orchestrator.
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storyforge",
			Subsystem: "orchestrator",
			Name:      "runs_started_total",
			Help:      "Total number of pipeline runs started",
		},
	)

	// RunsFinished counts terminal sessions.
	// Labels: status (completed, failed), reason (executor_failure, gate_revision, none)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyforge",
			Subsystem: "orchestrator",
			Name:      "runs_finished_total",
			Help:      "Total number of pipeline runs that reached a terminal state",
		},
		[]string{"status", "reason"},
	)

	// StageDuration observes executor wall time per stage kind.
	// Labels: kind (generation, gate), result (success, error)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storyforge",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executor calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "result"},
	)

	// ProgressSubscribers tracks attached progress subscribers.
	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storyforge",
			Subsystem: "progress",
			Name:      "subscribers",
			Help:      "Number of currently attached progress subscribers",
		},
	)

	// ProgressEventsPublished counts published events.
	// Labels: kind
	ProgressEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyforge",
			Subsystem: "progress",
			Name:      "events_published_total",
			Help:      "Total number of progress events published",
		},
		[]string{"kind"},
	)

	// SlowSubscribersDropped counts subscribers detached because their buffer filled.
	SlowSubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storyforge",
			Subsystem: "progress",
			Name:      "slow_subscribers_dropped_total",
			Help:      "Total number of subscribers dropped for not keeping up",
		},
	)

	// ArtifactCacheLookups counts reads served by the artifact cache.
	// Labels: layer (artifact, listing), result (hit, miss)
	ArtifactCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyforge",
			Subsystem: "artifact_cache",
			Name:      "lookups_total",
			Help:      "Total number of artifact cache lookups",
		},
		[]string{"layer", "result"},
	)

	// ClientReconnects counts reconnect attempts scheduled by progress clients.
	ClientReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storyforge",
			Subsystem: "progress_client",
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect attempts scheduled by progress clients",
		},
	)
)
