package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tensorsDiffed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalpel_tensors_diffed_total",
		Help: "Total number of tensor pairs diffed",
	})

	tensorBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalpel_tensor_bytes_read_total",
		Help: "Total raw tensor bytes read from shard files",
	})

	diffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalpel_diff_duration_seconds",
		Help:    "Time spent computing one tensor diff",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalpel_decode_cache_hits_total",
		Help: "Decoded-tensor cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalpel_decode_cache_misses_total",
		Help: "Decoded-tensor cache misses",
	})

	surgeryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalpel_surgery_ops_total",
		Help: "Surgery operations applied, by kind",
	}, []string{"kind"})

	modelsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalpel_models_opened_total",
		Help: "Models opened (primary and comparison)",
	})
)
