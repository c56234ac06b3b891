// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package viewport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntersectFullWidthViewportCoversContainedTile(t *testing.T) {
	// Viewport at the equator spanning the full 360 longitude and
	// matching the tile's latitude band exactly: no pole-crossing or
	// wrap artifacts should appear (spec §8 property 9).
	v := NewRenderedViewport(0, 0, 360, 90, true)
	tile := NewTileViewport(0, 0, 90, 90, ShapeEquirect)

	got := v.Intersect(tile)
	// doCheckIntersection intentionally skips the /2 on the x-extent
	// (an unnormalized ranking score), so the contained-tile result is
	// 2x the tile's literal area.
	want := 2 * 90.0 * 90.0
	assert.InDelta(t, want, got, 1e-6)
}

func TestIntersectZeroWhenTileOutsideLatitudeBand(t *testing.T) {
	v := NewRenderedViewport(0, 80, 90, 20, true)
	tile := NewTileViewport(0, -80, 90, 20, ShapeEquirect)
	assert.Equal(t, 0.0, v.Intersect(tile))
}

func TestIntersectWrappingTileRetriesAcrossBoundary(t *testing.T) {
	// A tile centered near +180 reports leftRight outside [-180, 180],
	// so Intersect must retry with the tile virtually shifted by 360.
	v := NewRenderedViewport(175, 0, 20, 90, true) // viewport centered near +180 too
	tile := NewTileViewport(-175, 0, 20, 90, ShapeEquirect)
	got := v.Intersect(tile)
	assert.Greater(t, got, 0.0, "viewport and tile both near the +-180 seam should still intersect")
}

func TestIntersectZeroWhenWrappedTileStillFar(t *testing.T) {
	v := NewRenderedViewport(175, 0, 10, 90, true)
	tile := NewTileViewport(0, 0, 10, 90, ShapeEquirect)
	assert.Equal(t, 0.0, v.Intersect(tile))
}

func TestCubeMiddleFaceIntersection(t *testing.T) {
	v := NewRenderedViewport(0, 0, 90, 90, false)
	tile := NewTileViewport(0, 0, 90, 90, ShapeCubemapMiddle)
	assert.Greater(t, v.Intersect(tile), 0.0)
}

func TestCubeTopBottomFaceScalesByAngularWidth(t *testing.T) {
	v := NewRenderedViewport(0, 90, 180, 40, false)

	quarterFaceTile := NewTileViewport(0, 80, 90, 40, ShapeCubemapTopBottom)
	eighthFaceTile := NewTileViewport(0, 80, 45, 40, ShapeCubemapTopBottom)

	quarter := v.Intersect(quarterFaceTile)
	eighth := v.Intersect(eighthFaceTile)
	assert.Greater(t, quarter, 0.0)
	assert.Greater(t, eighth, 0.0)
}
