// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package telemetry instruments the OMAF client's download scheduler
// with Prometheus counters and histograms, the way
// cmd/livesim2/app/prometheus.go instruments that server's HTTP
// handlers: a small set of CounterVec/HistogramVec metrics registered
// against a caller-supplied registry rather than the global default,
// so cmd/omafplayer can expose them on its own /metrics route.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const service = "omafplayer"

var defaultLatencyBuckets = []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}

// Metrics holds every counter/histogram the pipeline reports into.
type Metrics struct {
	SegmentDownloads        *prometheus.CounterVec
	SegmentDownloadLatency  *prometheus.HistogramVec
	ABRSwitches             *prometheus.CounterVec
	BufferingStalls         *prometheus.CounterVec
	ExtractorArrivalLatency *prometheus.HistogramVec
}

// New builds and registers the pipeline's metrics against reg. Pass
// prometheus.NewRegistry() for an isolated registry (cmd/omafplayer
// does this so /metrics only ever exposes this package's series), or
// prometheus.DefaultRegisterer for a process-global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentDownloads: newCounter(reg, "segment_downloads_total",
			"Number of segment downloads completed, partitioned by representation and status.",
			[]string{"representation", "status"}),
		SegmentDownloadLatency: newHistogram(reg, "segment_download_duration_milliseconds",
			"Segment download latency.", []string{"representation"}, defaultLatencyBuckets),
		ABRSwitches: newCounter(reg, "abr_switches_total",
			"Number of ABR representation switches, partitioned by adaptation set and direction.",
			[]string{"adaptation_set", "direction"}),
		BufferingStalls: newCounter(reg, "buffering_stalls_total",
			"Number of times a representation entered the buffering state.",
			[]string{"representation"}),
		ExtractorArrivalLatency: newHistogram(reg, "extractor_bundle_arrival_latency_milliseconds",
			"Time between an extractor bundle's earliest and latest per-segment tile arrival.",
			[]string{"bundle"}, defaultLatencyBuckets),
	}
	return m
}

// ObserveSegmentDownload records one completed (or failed) segment
// fetch.
func (m *Metrics) ObserveSegmentDownload(representationID, status string, durationMS float64) {
	m.SegmentDownloads.WithLabelValues(representationID, status).Inc()
	m.SegmentDownloadLatency.WithLabelValues(representationID).Observe(durationMS)
}

// ObserveABRSwitch records one representation switch within an
// adaptation set. direction is "up" or "down".
func (m *Metrics) ObserveABRSwitch(adaptationSetID, direction string) {
	m.ABRSwitches.WithLabelValues(adaptationSetID, direction).Inc()
}

// ObserveBufferingStall records one representation entering the
// Buffering state.
func (m *Metrics) ObserveBufferingStall(representationID string) {
	m.BufferingStalls.WithLabelValues(representationID).Inc()
}

// ObserveExtractorArrivalLatency records the spread between an
// extractor bundle's first and last tile arrival for one segment, a
// signal of how close the bundle is running to its buffering bound.
func (m *Metrics) ObserveExtractorArrivalLatency(bundleID string, latencyMS float64) {
	m.ExtractorArrivalLatency.WithLabelValues(bundleID).Observe(latencyMS)
}

func newCounter(reg prometheus.Registerer, name, help string, labels []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": service},
	}, labels)
	reg.MustRegister(cv)
	return cv
}

func newHistogram(reg prometheus.Registerer, name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": service},
		Buckets:     buckets,
	}, labels)
	reg.MustRegister(hv)
	return hv
}
