// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, cv.With(labels).Write(m))
	return m.GetCounter().GetValue()
}

func TestObserveSegmentDownloadIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSegmentDownload("rep-1", "ok", 42.0)

	got := counterValue(t, m.SegmentDownloads, prometheus.Labels{"representation": "rep-1", "status": "ok"})
	require.Equal(t, 1.0, got)

	hist := &dto.Metric{}
	require.NoError(t, m.SegmentDownloadLatency.WithLabelValues("rep-1").(prometheus.Histogram).Write(hist))
	require.Equal(t, uint64(1), hist.GetHistogram().GetSampleCount())
}

func TestObserveABRSwitchLabelsDirection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveABRSwitch("as-1", "up")
	m.ObserveABRSwitch("as-1", "up")
	m.ObserveABRSwitch("as-1", "down")

	up := counterValue(t, m.ABRSwitches, prometheus.Labels{"adaptation_set": "as-1", "direction": "up"})
	down := counterValue(t, m.ABRSwitches, prometheus.Labels{"adaptation_set": "as-1", "direction": "down"})
	require.Equal(t, 2.0, up)
	require.Equal(t, 1.0, down)
}

func TestNewRegistersAgainstSuppliedRegistryOnly(t *testing.T) {
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()
	New(regA)
	// Must not panic: registering an identically-named metric set
	// against a second, independent registry is allowed.
	require.NotPanics(t, func() { New(regB) })
}
