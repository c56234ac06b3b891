// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package adaptationset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokiatech/omaf-sub001/pkg/omafclient/driver"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/isobmff"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/mpdmodel"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/representation"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// fakeParserAdapter is a no-op representation.ParserAdapter double so
// tests can feed arbitrary segment bytes without real ISOBMFF boxes.
type fakeParserAdapter struct{}

func (fakeParserAdapter) OpenInitialization(isobmff.StreamID, *segment.Segment) error { return nil }
func (fakeParserAdapter) AddSegment(isobmff.StreamID, *segment.Segment) error         { return nil }
func (fakeParserAdapter) SeekToUs(isobmff.StreamID, int64, isobmff.AccuracyHint, isobmff.SeekDirection) (int64, error) {
	return 0, nil
}
func (fakeParserAdapter) ReleaseSegmentsUntil(segment.ID) {}
func (fakeParserAdapter) AddSegmentIndex(string, *segment.Segment) error { return nil }
func (fakeParserAdapter) SidxEntries(string) ([]isobmff.SidxEntry, bool) { return nil, false }

func newRep(id string, quality int, streamID isobmff.StreamID) *representation.Representation {
	return representation.New(nil, mpdmodel.RepresentationConfig{ID: id, QualityRanking: quality},
		streamID, driver.NewTemplateStatic(0, 1_000_000, "", ""), fakeParserAdapter{}, 4_000_000, 1_000_000, 0)
}

func TestSelectByQualityRankExactMatch(t *testing.T) {
	a := New(nil, 1, Tile, []*representation.Representation{
		newRep("low", 0, 1), newRep("mid", 1, 1), newRep("high", 2, 1),
	})
	rep, err := a.SelectByQualityRank(1)
	require.NoError(t, err)
	assert.Equal(t, "mid", rep.Config.ID)
}

func TestSelectByQualityRankRoundsDownWhenAbsent(t *testing.T) {
	a := New(nil, 1, Tile, []*representation.Representation{
		newRep("low", 0, 1), newRep("high", 3, 1),
	})
	rep, err := a.SelectByQualityRank(2)
	require.NoError(t, err)
	assert.Equal(t, "low", rep.Config.ID)
}

func TestSelectByQualityRankRoundsToLowestWhenAllAbove(t *testing.T) {
	a := New(nil, 1, Tile, []*representation.Representation{
		newRep("mid", 2, 1), newRep("high", 3, 1),
	})
	rep, err := a.SelectByQualityRank(0)
	require.NoError(t, err)
	assert.Equal(t, "mid", rep.Config.ID)
}

type fakeSink struct {
	added []segment.ID
}

func (f *fakeSink) AddSegment(_ isobmff.StreamID, seg *segment.Segment) error {
	f.added = append(f.added, seg.ID)
	return nil
}

func newBundle(t *testing.T, numTiles int) (*AdaptationSet, *fakeSink, []*AdaptationSet) {
	t.Helper()
	ownRep := newRep("extractor", 0, 1)
	sink := &fakeSink{}
	bundle := NewExtractorBundle(nil, 100, Extractor, ownRep, sink, 1)
	var tiles []*AdaptationSet
	for i := 0; i < numTiles; i++ {
		ts := New(nil, uint32(i+1), Tile, []*representation.Representation{newRep("tile", 0, isobmff.StreamID(i+2))})
		require.NoError(t, bundle.RegisterSupportingSet(ts))
		tiles = append(tiles, ts)
	}
	return bundle, sink, tiles
}

func TestExtractorBundleGatesOnFullArrivalMask(t *testing.T) {
	bundle, sink, tiles := newBundle(t, 2)

	require.NoError(t, bundle.OnExtractorSegmentArrived(&segment.Segment{ID: 1, Data: []byte("ex1")}))
	require.NoError(t, bundle.OnTileSegmentArrived(tiles[0].ID, &segment.Segment{ID: 1, Data: []byte("t1")}))

	seg, err := bundle.Pump()
	require.NoError(t, err)
	assert.Nil(t, seg, "must not concatenate until every supporting tile has arrived")
	assert.Empty(t, sink.added)

	require.NoError(t, bundle.OnTileSegmentArrived(tiles[1].ID, &segment.Segment{ID: 1, Data: []byte("t2")}))
	seg, err = bundle.Pump()
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, []segment.ID{1}, sink.added)
	assert.Equal(t, segment.ID(2), bundle.NextToConcatenate())
}

func TestExtractorBundleConcatenationOrderAndSize(t *testing.T) {
	bundle, sink, tiles := newBundle(t, 2)
	require.NoError(t, bundle.OnExtractorSegmentArrived(&segment.Segment{ID: 1, Data: []byte("EX")}))
	require.NoError(t, bundle.OnTileSegmentArrived(tiles[0].ID, &segment.Segment{ID: 1, Data: []byte("T1")}))
	require.NoError(t, bundle.OnTileSegmentArrived(tiles[1].ID, &segment.Segment{ID: 1, Data: []byte("T22")}))

	seg, err := bundle.Pump()
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, "EXT1T22", string(seg.Data))
	assert.Equal(t, 1, len(sink.added))
}

func TestExtractorBundleBufferingBeforeFirstSegmentArrives(t *testing.T) {
	bundle, _, _ := newBundle(t, 1)
	assert.True(t, bundle.Buffering())
}

func TestSwitchToThenCommitOnExhaustion(t *testing.T) {
	repA := newRep("a", 0, 1)
	repB := newRep("b", 1, 1)
	a := New(nil, 1, Baseline, []*representation.Representation{repA, repB})
	require.NoError(t, repA.StartDownload(0))
	require.NoError(t, a.SwitchTo(repB))
	assert.True(t, a.PendingSwitch())

	require.NoError(t, repB.OnSegmentArrived(&segment.Segment{ID: 1, Data: []byte("x")}, 10))
	committed := a.CommitIfReady(true)
	assert.True(t, committed)
	assert.Equal(t, repB, a.Current())
	assert.False(t, a.PendingSwitch())
}
