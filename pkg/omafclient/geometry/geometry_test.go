// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRotationConvertsQ16_16ToRadians(t *testing.T) {
	// 90 degrees in Q16.16 is 90 * 65536.
	r := DecodeRotation(90*65536, 0, -90*65536)
	assert.InDelta(t, math.Pi/2, r.YawRad, 1e-9)
	assert.InDelta(t, 0, r.PitchRad, 1e-9)
	assert.InDelta(t, -math.Pi/2, r.RollRad, 1e-9)
}

func TestDecodeCoverageScalesToDegrees(t *testing.T) {
	c := DecodeCoverage(180*65536, 0, 360*65536, 180*65536)
	assert.InDelta(t, 180, c.CenterAzimuthDeg, 1e-9)
	assert.InDelta(t, 360, c.AzimuthRangeDeg, 1e-9)
}

func TestNewCubemapSourceRewritesBottomRowOrientation(t *testing.T) {
	rects := make([]Rect, 6)
	for i := range rects {
		rects[i] = Rect{X: float64(i) / 6, Y: 0, Width: 1.0 / 6, Height: 1}
	}
	src, err := NewCubemapSource(Mono, Rotation{}, nil, rects)
	require.NoError(t, err)
	require.Len(t, src.CubemapFaces, 6)

	byOrientation := map[CubemapFaceOrientation]CubemapFace{}
	for _, f := range src.CubemapFaces {
		byOrientation[f.Orientation] = f
	}
	down := byOrientation[FaceDown]
	assert.InDelta(t, degToRad(90), down.RotationDeltaDeg.YawRad, 1e-9)
	assert.InDelta(t, degToRad(-90), down.RotationDeltaDeg.RollRad, 1e-9)

	left := byOrientation[FaceLeft]
	assert.Equal(t, Rotation{}, left.RotationDeltaDeg)
}

func TestNewCubemapSourceRejectsWrongFaceCount(t *testing.T) {
	_, err := NewCubemapSource(Mono, Rotation{}, nil, []Rect{{}, {}})
	assert.Error(t, err)
}

func TestNewEquirectSourceCarriesRegions(t *testing.T) {
	regions := []EquirectRegion{{CenterLonDeg: 10, CenterLatDeg: -5, SpanLonDeg: 90, SpanLatDeg: 60}}
	src := NewEquirectSource(SideBySide, Rotation{}, nil, nil, regions)
	assert.Equal(t, Equirectangular, src.Projection)
	require.Len(t, src.EquirectRegions, 1)
	assert.Equal(t, 10.0, src.EquirectRegions[0].CenterLonDeg)
}
