// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"testing"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nokiatech/omaf-sub001/pkg/omafclient/mpdmodel"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/representation"
)

func onDemandMPD() *m.MPD {
	return &m.MPD{
		Periods: []*m.Period{
			{
				AdaptationSets: []*m.AdaptationSetType{
					{
						ContentType: "video",
						Representations: []*m.RepresentationType{
							{Id: "v1", Bandwidth: 1_000_000, BaseURLs: []*m.BaseURLType{{Value: "video1.mp4"}}},
						},
					},
					{
						ContentType: "audio",
						Representations: []*m.RepresentationType{
							{Id: "a1", Bandwidth: 128_000, BaseURLs: []*m.BaseURLType{{Value: "audio1.mp4"}}},
						},
					},
				},
			},
		},
	}
}

func TestBuildPipelinePublishesOneVideoBundlePerPlainVideoSet(t *testing.T) {
	pres, err := mpdmodel.Parse(onDemandMPD(), "https://example.com/")
	require.NoError(t, err)

	pipeline, err := BuildPipeline(nil, pres, 4_000_000, 2_000_000)
	require.NoError(t, err)

	reps := pipeline.Representations()
	require.Len(t, reps, 2)

	streams, err := pipeline.Manager.GetVideoStreams()
	require.NoError(t, err)
	assert.Len(t, streams, 1)

	audioStreams, err := pipeline.Manager.GetAudioStreams()
	require.NoError(t, err)
	assert.Len(t, audioStreams, 1)
}

func TestBuildPipelineAssignsOnDemandDriverFromBaseURL(t *testing.T) {
	pres, err := mpdmodel.Parse(onDemandMPD(), "https://example.com/")
	require.NoError(t, err)

	pipeline, err := BuildPipeline(nil, pres, 4_000_000, 2_000_000)
	require.NoError(t, err)

	var videoRep *representation.Representation
	for _, r := range pipeline.Representations() {
		if r.Config.ID == "v1" {
			videoRep = r
		}
	}
	require.NotNil(t, videoRep)
	assert.True(t, videoRep.Config.IsOnDemand)
	assert.Equal(t, "video1.mp4", videoRep.Config.MediaURLPrefix)
	assert.Equal(t, representation.Idle, videoRep.State())
}

func TestBuildPipelineGatesOnDemandRepresentationOnPreBufferTarget(t *testing.T) {
	pres, err := mpdmodel.Parse(onDemandMPD(), "https://example.com/")
	require.NoError(t, err)

	// defaultSegmentDurationUS is 4s; a 10s pre-buffer target needs
	// ceil(10/4) = 3 segments buffered before playout may start.
	pipeline, err := BuildPipeline(nil, pres, 4_000_000, 10_000_000)
	require.NoError(t, err)

	var videoRep *representation.Representation
	for _, r := range pipeline.Representations() {
		if r.Config.ID == "v1" {
			videoRep = r
		}
	}
	require.NotNil(t, videoRep)
	assert.False(t, videoRep.IsPreBuffered())
}

func TestBuildPipelineRejectsRepresentationWithNeitherTemplateNorBaseURL(t *testing.T) {
	mpd := onDemandMPD()
	mpd.Periods[0].AdaptationSets[0].Representations[0].BaseURLs = nil

	pres, err := mpdmodel.Parse(mpd, "https://example.com/")
	require.NoError(t, err)

	_, err = BuildPipeline(nil, pres, 4_000_000, 2_000_000)
	assert.Error(t, err)
}
