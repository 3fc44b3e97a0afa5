// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generated

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langproxy_generated_lookups_total",
		Help: "Generated-file lookups by result",
	}, []string{"result"})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "langproxy_generated_pruned_total",
		Help: "Candidates dropped after being confirmed missing on disk",
	})

	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langproxy_generated_scans_total",
		Help: "Full index scans by outcome",
	}, []string{"outcome"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "langproxy_generated_scan_duration_seconds",
		Help:    "Time spent on a full index scan",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langproxy_generated_updates_total",
		Help: "Incremental index updates by change kind",
	}, []string{"kind"})

	indexedKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "langproxy_generated_keys",
		Help: "Keys held by the most recently updated index",
	})
)
