// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package mpdmodel

import (
	"testing"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintp(v uint32) *uint32 { return &v }

func newStaticMPD() *m.MPD {
	return &m.MPD{
		Periods: []*m.Period{
			{
				AdaptationSets: []*m.AdaptationSetType{
					{
						ContentType: "video",
						Representations: []*m.RepresentationType{
							{Id: "v2", Bandwidth: 2_000_000, Width: uintp(1920), Height: uintp(960)},
							{Id: "v1", Bandwidth: 500_000, Width: uintp(960), Height: uintp(480)},
						},
						SegmentTemplate: &m.SegmentTemplateType{},
					},
				},
			},
		},
	}
}

func TestParseSortsRepresentationsByBandwidth(t *testing.T) {
	p, err := Parse(newStaticMPD(), "https://example.com/")
	require.NoError(t, err)
	require.Len(t, p.AdaptationSets, 1)
	reps := p.AdaptationSets[0].Representations
	require.Len(t, reps, 2)
	assert.Equal(t, "v1", reps[0].ID)
	assert.Equal(t, "v2", reps[1].ID)
	assert.Less(t, reps[0].Bandwidth, reps[1].Bandwidth)
}

func TestParseDetectsExtractorByCodec(t *testing.T) {
	mpd := newStaticMPD()
	mpd.Periods[0].AdaptationSets[0].Codecs = "hvc2.1.6.L93.B0"
	p, err := Parse(mpd, "")
	require.NoError(t, err)
	assert.True(t, p.AdaptationSets[0].IsExtractor)
}

func TestParseResolvesExtractorSupportSetsByDependencyID(t *testing.T) {
	mpd := &m.MPD{
		Periods: []*m.Period{
			{
				AdaptationSets: []*m.AdaptationSetType{
					{
						ContentType: "video",
						Codecs:      "hvc1.1.6.L93.B0",
						Representations: []*m.RepresentationType{
							{Id: "tile1", Bandwidth: 1_000_000},
						},
						SegmentTemplate: &m.SegmentTemplateType{},
					},
					{
						ContentType: "video",
						Codecs:      "hvc2.1.6.L93.B0",
						Representations: []*m.RepresentationType{
							{Id: "ex1", Bandwidth: 100_000, DependencyId: "tile1"},
						},
						SegmentTemplate: &m.SegmentTemplateType{},
					},
				},
			},
		},
	}
	p, err := Parse(mpd, "")
	require.NoError(t, err)
	tileSetID := p.AdaptationSets[0].ID
	extractorSet := p.AdaptationSets[1]
	require.True(t, extractorSet.IsExtractor)
	require.Len(t, extractorSet.SupportingSetIDs, 1)
	assert.Equal(t, tileSetID, extractorSet.SupportingSetIDs[0])
}

func TestParseRejectsMissingPeriods(t *testing.T) {
	_, err := Parse(&m.MPD{}, "")
	assert.Error(t, err)
}

func TestErrorForUnsupportedFramePacking(t *testing.T) {
	assert.Error(t, ErrorForUnsupportedFramePacking(FramePackingTemporal))
	assert.NoError(t, ErrorForUnsupportedFramePacking(FramePackingSideBySide))
}
