// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HydrationDepth is the number of diffs replayed per hydration.
	HydrationDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "botforge_hydration_replayed_diffs",
		Help:    "Number of diffs replayed to hydrate one commit",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 512},
	})

	HydrationCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botforge_hydration_cache_total",
		Help: "Hydration cache lookups by result",
	}, []string{"result"})

	BranchHeadConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botforge_branch_head_conflicts_total",
		Help: "Branch head compare-and-swap misses",
	})

	CollectedCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botforge_collected_commits_total",
		Help: "Commits deleted by garbage collection, by trigger",
	}, []string{"trigger"})

	PullRequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botforge_pull_request_transitions_total",
		Help: "Pull request state transitions by resulting status",
	}, []string{"status"})

	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botforge_invariant_violations_total",
		Help: "Detected invariant violations by operation",
	}, []string{"op"})

	// HTTPRequests is observed by the HTTP middleware.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botforge_http_request_duration_seconds",
		Help:    "HTTP request latency by method and status class",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "status"})
)
