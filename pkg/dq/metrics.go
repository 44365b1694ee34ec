package dq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("dqgraph.dq")

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dqgraph",
		Subsystem: "batch",
		Name:      "batches_total",
		Help:      "Deletion batches run, by operation and result.",
	}, []string{"op", "result"})

	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dqgraph",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Items counted by committed deletion batches, by operation.",
	}, []string{"op"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dqgraph",
		Subsystem: "batch",
		Name:      "duration_seconds",
		Help:      "Time from submitting a deletion batch to its commit.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	statsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dqgraph",
		Subsystem: "stats",
		Name:      "duration_seconds",
		Help:      "Time to compute statistics for one class.",
		Buckets:   prometheus.DefBuckets,
	})

	classesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dqgraph",
		Subsystem: "lifecycle",
		Name:      "classes_deleted_total",
		Help:      "Flag classes deleted.",
	})

	orphanedClassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dqgraph",
		Subsystem: "lifecycle",
		Name:      "orphaned_classes_total",
		Help:      "Child classes left without a parent by class deletion.",
	})
)
