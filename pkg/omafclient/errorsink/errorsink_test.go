// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package errorsink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportErrorAccumulates(t *testing.T) {
	s := New(nil)
	s.ReportError("isobmff.AddSegment", errors.New("boom"))
	require.Len(t, s.Errors(), 1)
}

func TestCheckDownloadRateEmitsBaselayerDelayedBelowThreshold(t *testing.T) {
	s := New(nil)
	s.CheckDownloadRate("v1", 2_000_000, 2_000_000, false) // ratio 1.0 < 1.2
	issues := s.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, BaselayerDelayed, issues[0].Kind)
}

func TestCheckDownloadRateEmitsEnhLayerDelayedForEnhancement(t *testing.T) {
	s := New(nil)
	s.CheckDownloadRate("v2", 2_000_000, 2_000_000, true)
	issues := s.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, EnhLayerDelayed, issues[0].Kind)
}

func TestCheckDownloadRateNoIssueAboveThreshold(t *testing.T) {
	s := New(nil)
	s.CheckDownloadRate("v1", 3_000_000, 1_000_000, false) // ratio 3.0
	assert.Empty(t, s.Issues())
}

func TestIssueKindStringValues(t *testing.T) {
	assert.Equal(t, "BASELAYER_DELAYED", BaselayerDelayed.String())
	assert.Equal(t, "ENH_LAYER_DELAYED", EnhLayerDelayed.String())
	assert.Equal(t, "BASELAYER_BUFFERING", BaselayerBuffering.String())
}
