// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package branchwise

import "github.com/prometheus/client_golang/prometheus"

var (
	branchDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "branchwise",
			Subsystem: "session",
			Name:      "branch_decisions_total",
			Help:      "The total number of branch decisions.",
		},
		[]string{"decision", "tier"}, // continue, new, first
	)
	dependencyScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "branchwise",
			Subsystem: "session",
			Name:      "dependency_score",
			Help:      "Dependency scores computed for follow-up requests.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	decodeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "branchwise",
			Subsystem: "decode",
			Name:      "request_ops_total",
			Help:      "The total number of decode requests.",
		},
		[]string{"mode"},
	)
	tokenGenerationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "branchwise",
			Subsystem: "decode",
			Name:      "tokens_generated_total",
			Help:      "The total number of tokens generated.",
		},
		[]string{"mode"},
	)
	decodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "branchwise",
			Subsystem: "decode",
			Name:      "duration_seconds",
			Help:      "Time taken to decode a response.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "branchwise",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"}, // embedding, annotation
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "branchwise",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"}, // embedding, annotation
	)

	branchCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "branchwise",
			Subsystem: "session",
			Name:      "branches",
			Help:      "Number of branches in the conversation.",
		},
	)
)

func init() {
	prometheus.MustRegister(branchDecisions)
	prometheus.MustRegister(dependencyScores)
	prometheus.MustRegister(decodeRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(decodeDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(branchCount)
}

// RecordBranchDecision records the outcome of a branch decision
func RecordBranchDecision(decision, tier string) {
	branchDecisions.WithLabelValues(decision, tier).Inc()
}

// RecordDependencyScore records a computed dependency score
func RecordDependencyScore(score float64) {
	dependencyScores.Observe(score)
}

// RecordDecode records a finished decode
func RecordDecode(mode string, tokens int, seconds float64) {
	decodeRequestOps.WithLabelValues(mode).Inc()
	tokenGenerationOps.WithLabelValues(mode).Add(float64(tokens))
	decodeDuration.WithLabelValues(mode, "ok").Observe(seconds)
}

// RecordDecodeFailure records a decode that returned an error
func RecordDecodeFailure(mode string, seconds float64) {
	decodeRequestOps.WithLabelValues(mode).Inc()
	decodeDuration.WithLabelValues(mode, "error").Observe(seconds)
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheMisses records n cache misses at once.
func RecordCacheMisses(cacheType string, n int) {
	cacheMisses.WithLabelValues(cacheType).Add(float64(n))
}

// SetBranchCount records the number of branches
func SetBranchCount(n int) {
	branchCount.Set(float64(n))
}
