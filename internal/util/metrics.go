package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_inbound_events_total",
		Help: "Total number of inbound order events by type and outcome",
	}, []string{"event_type", "outcome"})

	TicketsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kds_tickets_created_total",
		Help: "Total number of kitchen tickets created",
	})

	TicketsBumpedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_tickets_bumped_total",
		Help: "Total number of tickets bumped",
	}, []string{"reason"})

	ItemsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_items_skipped_total",
		Help: "Total number of inbound order items not turned into ticket items",
	}, []string{"reason"})

	ItemTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_item_transitions_total",
		Help: "Total number of accepted item status transitions",
	}, []string{"status"})

	TransitionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_transition_rejections_total",
		Help: "Total number of rejected status commands",
	}, []string{"reason"})

	TransitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kds_transition_latency_seconds",
		Help:    "Latency of status commands from lock to commit",
		Buckets: prometheus.DefBuckets,
	})

	FanoutSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kds_fanout_subscribers",
		Help: "Number of connected live feed subscribers",
	})

	FanoutEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kds_fanout_evictions_total",
		Help: "Total number of subscribers evicted for falling behind",
	})

	ChangeNotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_change_notify_failures_total",
		Help: "Total number of failed change notification publishes",
	}, []string{"final"})

	PrintJobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_print_jobs_enqueued_total",
		Help: "Total number of print jobs enqueued",
	}, []string{"job_type"})

	PrintResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kds_print_results_total",
		Help: "Total number of print job outcomes",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
