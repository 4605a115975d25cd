// Package metrics registers the gateway's Prometheus collectors. The
// generic HTTP surface is instrumented by echoprometheus; the collectors
// here cover gateway semantics: routing outcomes and upstream failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardedRequests counts forwarding attempts by route prefix and
	// outcome ("relayed" or "failed").
	ForwardedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "gateway",
		Name:      "forwarded_requests_total",
		Help:      "Forwarding attempts by route prefix and outcome.",
	}, []string{"prefix", "outcome"})

	// UpstreamFailures counts translated upstream failures by kind.
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "gateway",
		Name:      "upstream_failures_total",
		Help:      "Upstream forwarding failures by failure kind.",
	}, []string{"kind"})

	// ForwardDuration observes the full forwarding round trip per prefix.
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bastion",
		Subsystem: "gateway",
		Name:      "forward_duration_seconds",
		Help:      "Duration of forwarded calls, upstream response included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"prefix"})

	// RouteMisses counts requests matching no rule outside the local
	// health path. A miss is a defined terminal state, not an error.
	RouteMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "gateway",
		Name:      "route_misses_total",
		Help:      "Requests that matched no configured route.",
	})
)
