// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

func TestTemplateStaticCalculateSegmentID(t *testing.T) {
	d := NewTemplateStatic(1, 2_000_000, "seg-$Number$.m4s", "init.mp4")
	id, err := d.CalculateSegmentID(5_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), uint64(id)) // startNumber 1 + floor(5/2)
}

func TestTemplateStaticNextRequestResolvesNumber(t *testing.T) {
	d := NewTemplateStatic(1, 2_000_000, "seg-$Number$.m4s", "init.mp4")
	require.NoError(t, d.StartFrom(7))
	req, ok, err := d.NextRequest("https://cdn.example/video/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/video/seg-7.m4s", req.URL)
	assert.Equal(t, uint64(8), uint64(d.currentSegmentID))
}

func TestTimelineStaticExpandsRepeatsAndMerges(t *testing.T) {
	t0 := uint64(0)
	d := NewTimelineStatic(1, []TimelineSpec{
		{T: &t0, D: 1000, R: 2},
		{D: 500, R: 0},
	}, "seg-$Time$.m4s", "init.mp4")
	require.Len(t, d.timeline, 4)
	assert.Equal(t, int64(0), d.timeline[0].startUS)
	assert.Equal(t, int64(1000), d.timeline[1].startUS)
	assert.Equal(t, int64(2000), d.timeline[2].startUS)
	assert.Equal(t, int64(3000), d.timeline[3].startUS)
}

func TestTimelineStaticCalculateSegmentID(t *testing.T) {
	t0 := uint64(0)
	d := NewTimelineStatic(5, []TimelineSpec{{T: &t0, D: 1000, R: 3}}, "seg-$Time$.m4s", "")
	id, err := d.CalculateSegmentID(2500)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), uint64(id))
}

func TestTimelineStaticIsLastSegment(t *testing.T) {
	t0 := uint64(0)
	d := NewTimelineStatic(0, []TimelineSpec{{T: &t0, D: 1000, R: 1}}, "", "")
	require.NoError(t, d.StartFrom(1))
	assert.True(t, d.IsLastSegment())
}

func TestOnDemandGrowSidxWindowCapsAtMax(t *testing.T) {
	d := NewOnDemand(LatencyLow, 2_000_000)
	assert.Equal(t, int64(InitialSidxWindow), d.InitWindow())
	for i := 0; i < 10; i++ {
		_ = d.GrowSidxWindow()
	}
	assert.Equal(t, int64(InitialSidxWindow*MaxSidxWindowMultiplier), d.InitWindow())
	assert.Error(t, d.GrowSidxWindow())
}

func TestOnDemandCalculateSegmentIDFromSidx(t *testing.T) {
	d := NewOnDemand(LatencyLow, 2_000_000)
	d.AdoptSidx([]SidxEntry{
		{EarliestPTS: 0, DurationUS: 2_000_000},
		{EarliestPTS: 2_000_000, DurationUS: 2_000_000},
		{EarliestPTS: 4_000_000, DurationUS: 2_000_000},
	}, true)
	id, err := d.CalculateSegmentID(3_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), uint64(id))
}

func TestOnDemandSubsegmentRequest(t *testing.T) {
	d := NewOnDemand(LatencyLow, 2_000_000)
	d.AdoptSidx([]SidxEntry{
		{EarliestPTS: 0, ByteRange: segment.ByteRange{Start: 0, End: 999}, DurationUS: 2_000_000},
		{EarliestPTS: 2_000_000, ByteRange: segment.ByteRange{Start: 1000, End: 1999}, DurationUS: 2_000_000},
	}, true)
	req, err := d.SubsegmentRequest("https://cdn.example/video.mp4", 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), req.ByteRange.Start)
}

func TestTemplateStaticInitRequestResolvesInitPattern(t *testing.T) {
	d := NewTemplateStatic(1, 2_000_000, "seg-$Number$.m4s", "init.mp4")
	req := d.InitRequest("https://cdn.example/video/")
	assert.Equal(t, "https://cdn.example/video/init.mp4", req.URL)
	assert.True(t, req.IsInit)
}

func TestOnDemandInitRequestCoversSidxWindow(t *testing.T) {
	d := NewOnDemand(LatencyLow, 2_000_000)
	req := d.InitRequest("https://cdn.example/video.mp4")
	assert.Equal(t, "https://cdn.example/video.mp4", req.URL)
	assert.Equal(t, int64(0), req.ByteRange.Start)
	assert.Equal(t, int64(InitialSidxWindow-1), req.ByteRange.End)
	assert.True(t, req.IsInit)
}

func TestMergeFactorForLatencyClasses(t *testing.T) {
	assert.Equal(t, 1, mergeFactorFor(LatencyLow, 1_000_000))
	assert.Equal(t, 1, mergeFactorFor(LatencyMedium, 1_000_000))
	assert.Equal(t, 3, mergeFactorFor(LatencyNonCritical, 1_000_000))
}

func TestMarkCompletionRetriesThenErrors(t *testing.T) {
	d := NewTemplateStatic(0, 1_000_000, "", "")
	require.NoError(t, d.StartFrom(0))
	for i := 0; i < maxRetries; i++ {
		err := d.MarkCompletion(0, true, false)
		require.NoError(t, err)
		assert.Equal(t, Retry, d.State())
	}
	err := d.MarkCompletion(0, true, false)
	assert.Error(t, err)
	assert.Equal(t, Error, d.State())
}

func TestTemplateDynamicDelaysUntilAvailable(t *testing.T) {
	fixedNow := time.Unix(1000, 0)
	d := NewTemplateDynamic(1, 2_000_000, "seg-$Number$.m4s", "", 0, 2, 0, func() time.Time { return fixedNow })
	require.NoError(t, d.StartFrom(10000)) // far beyond what is ever available
	_, ok, err := d.NextRequest("https://cdn.example/")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTemplateDynamicInitialPickSitsBehindLiveEdgeByBufferPlusMinDelay(t *testing.T) {
	fixedNow := time.Unix(1000, 0) // availabilityStartS=0 -> live edge at t=1000s
	segmentDurationUS := int64(2_000_000)
	minDelaySegments := 2
	bufferingTimeUS := int64(8_000_000) // 4 segments of buffer

	d := NewTemplateDynamic(1, segmentDurationUS, "seg-$Number$.m4s", "", 0,
		minDelaySegments, bufferingTimeUS, func() time.Time { return fixedNow })
	id, err := d.CalculateSegmentID(0)
	require.NoError(t, err)

	liveEdge := int64(500) // 1000s / 2s segments
	wantID := segment.ID(uint64(1) + uint64(liveEdge-int64(minDelaySegments)-4))
	assert.Equal(t, wantID, id)

	withoutBuffer := NewTemplateDynamic(1, segmentDurationUS, "seg-$Number$.m4s", "", 0,
		minDelaySegments, 0, func() time.Time { return fixedNow })
	idNoBuffer, err := withoutBuffer.CalculateSegmentID(0)
	require.NoError(t, err)
	assert.Less(t, uint64(id), uint64(idNoBuffer), "a primed buffer must start further behind the live edge")
}
