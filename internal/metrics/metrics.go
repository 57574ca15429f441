package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cachemachine"

var (
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Count of reconcile rounds per policy and outcome.",
		},
		[]string{"policy", "outcome"},
	)
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent on one reconcile round of a policy.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"policy"},
	)
	PullJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_jobs_total",
			Help:      "Count of finished image pull jobs per policy and result.",
		},
		[]string{"policy", "result"},
	)
	PullDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_duration_seconds",
			Help:      "Time from pull job creation until every node finished pulling.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"policy"},
	)
	DesiredImages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_images",
			Help:      "Number of images a policy wants cached.",
		},
		[]string{"policy"},
	)
	AvailableImages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_images",
			Help:      "Number of desired images present on every target node.",
		},
		[]string{"policy"},
	)
)

var registerMetrics sync.Once

// Register installs the collectors into the default registry. Safe to call
// more than once.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(ReconcileTotal)
		prometheus.MustRegister(ReconcileDuration)
		prometheus.MustRegister(PullJobsTotal)
		prometheus.MustRegister(PullDuration)
		prometheus.MustRegister(DesiredImages)
		prometheus.MustRegister(AvailableImages)
	})
}

// DeletePolicy drops every series labeled with the policy, so deleted
// policies stop being scraped at their last value.
func DeletePolicy(name string) {
	match := prometheus.Labels{"policy": name}
	ReconcileTotal.DeletePartialMatch(match)
	ReconcileDuration.DeletePartialMatch(match)
	PullJobsTotal.DeletePartialMatch(match)
	PullDuration.DeletePartialMatch(match)
	DesiredImages.DeletePartialMatch(match)
	AvailableImages.DeletePartialMatch(match)
}
