// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyzer",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Terminal attempt outcomes per queue.",
	}, []string{"queue", "outcome"})

	jobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyzer",
		Subsystem: "queue",
		Name:      "job_retries_total",
		Help:      "Attempts requeued for retry per queue.",
	}, []string{"queue"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "analyzer",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Attempt wall-clock duration per kind.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"queue", "kind"})

	leaseExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyzer",
		Subsystem: "queue",
		Name:      "lease_expirations_total",
		Help:      "Active jobs requeued by the visibility reaper.",
	}, []string{"queue"})
)
