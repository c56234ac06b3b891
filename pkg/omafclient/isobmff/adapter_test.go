// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package isobmff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// newTestTrack builds a trackState directly (white-box) so the sample
// table logic can be exercised without a real ISOBMFF fixture: building
// one would require the mp4ff box writer, which is out of scope for a
// unit test of the adapter's own bookkeeping.
func newTestTrack(a *Adapter, id StreamID, samples []sampleEntry) {
	a.tracks[id] = &trackState{
		streamID:  id,
		timescale: 90000,
		samples:   samples,
		segments:  map[segment.ID]*segment.Segment{0: {ID: 0}, 1: {ID: 1}, 2: {ID: 2}},
	}
}

func TestReadFrameOrdersByPresentationTime(t *testing.T) {
	a := NewAdapter(nil)
	newTestTrack(a, 1, []sampleEntry{
		{segmentID: 0, presentationUS: 0, isSync: true, data: []byte("a")},
		{segmentID: 0, presentationUS: 33333, data: []byte("b")},
		{segmentID: 1, presentationUS: 66666, isSync: true, data: []byte("c")},
	})
	var last int64 = -1
	for i := 0; i < 3; i++ {
		pkt, err := a.ReadFrame(1, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pkt.PresentationUS, last)
		last = pkt.PresentationUS
	}
	_, err := a.ReadFrame(1, 0)
	assert.True(t, omaferrors.Is(err, omaferrors.EndOfFile))
}

func TestReadFrameUnknownStreamIsNotInitialized(t *testing.T) {
	a := NewAdapter(nil)
	_, err := a.ReadFrame(42, 0)
	assert.True(t, omaferrors.Is(err, omaferrors.NotInitialized))
}

func TestSeekToUsFrameAccurate(t *testing.T) {
	a := NewAdapter(nil)
	newTestTrack(a, 1, []sampleEntry{
		{segmentID: 0, presentationUS: 0, isSync: true},
		{segmentID: 0, presentationUS: 1_000_000, isSync: false},
		{segmentID: 1, presentationUS: 2_000_000, isSync: true},
		{segmentID: 1, presentationUS: 3_000_000, isSync: false},
	})
	actual, err := a.SeekToUs(1, 2_500_000, FrameAccurate, SeekBackward)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), actual)
	assert.LessOrEqual(t, actual, int64(2_500_000))

	pkt, err := a.ReadFrame(1, 0)
	require.NoError(t, err)
	assert.Equal(t, actual, pkt.PresentationUS)
}

func TestSeekToUsNearestSyncFrameBackward(t *testing.T) {
	a := NewAdapter(nil)
	newTestTrack(a, 1, []sampleEntry{
		{segmentID: 0, presentationUS: 0, isSync: true},
		{segmentID: 0, presentationUS: 1_000_000, isSync: false},
		{segmentID: 0, presentationUS: 2_000_000, isSync: false},
		{segmentID: 1, presentationUS: 3_000_000, isSync: true},
	})
	actual, err := a.SeekToUs(1, 2_500_000, NearestSyncFrame, SeekBackward)
	require.NoError(t, err)
	assert.Equal(t, int64(0), actual)
}

func TestReleaseSegmentsUntilDropsOlderSamplesOnly(t *testing.T) {
	a := NewAdapter(nil)
	newTestTrack(a, 1, []sampleEntry{
		{segmentID: 0, presentationUS: 0},
		{segmentID: 1, presentationUS: 1_000_000},
		{segmentID: 2, presentationUS: 2_000_000},
	})
	a.ReleaseSegmentsUntil(2)
	ts := a.tracks[1]
	require.Len(t, ts.samples, 1)
	assert.Equal(t, segment.ID(2), ts.samples[0].segmentID)
}

func TestReleaseAllSegmentsResetInit(t *testing.T) {
	a := NewAdapter(nil)
	newTestTrack(a, 1, []sampleEntry{{segmentID: 0}})
	a.ReleaseAllSegments(1, true)
	assert.False(t, a.HasInit(1))
}

func TestScaleToUS(t *testing.T) {
	assert.Equal(t, int64(1_000_000), scaleToUS(90000, 90000))
	assert.Equal(t, int64(0), scaleToUS(100, 0))
}

func TestNearestSyncForward(t *testing.T) {
	samples := []sampleEntry{
		{isSync: false}, {isSync: false}, {isSync: true}, {isSync: false},
	}
	assert.Equal(t, 2, nearestSync(samples, 0, SeekForward))
	assert.Equal(t, 0, nearestSync(samples, 0, SeekBackward))
}
