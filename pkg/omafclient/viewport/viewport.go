// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package viewport computes viewport/tile intersection scores for tile
// prioritization (spec §4.7), ported from the original player's
// VASRenderedViewport/VASTileViewport pair. The returned score is
// unnormalized and used only to rank tiles against each other.
package viewport

import "math"

// Shape discriminates how a tile's coverage is interpreted.
type Shape int

const (
	ShapeEquirect Shape = iota
	ShapeCubemapMiddle
	ShapeCubemapTopBottom
)

// TileViewport is a rectangular tile's covered region, derived from its
// OMAF covi/srqr declaration.
type TileViewport struct {
	shape Shape

	longitudeDeg, latitudeDeg   float64
	horFovDeg, verFovDeg        float64
	topLeftX, bottomLeftX       float64
	topRightX, bottomRightX     float64
	topY, bottomY               float64
}

// NewTileViewport builds a rectangular tile viewport, e.g. from a
// geometry.Coverage declaration.
func NewTileViewport(longitudeDeg, latitudeDeg, horFovDeg, verFovDeg float64, shape Shape) *TileViewport {
	tv := &TileViewport{shape: shape, longitudeDeg: longitudeDeg, latitudeDeg: latitudeDeg, horFovDeg: horFovDeg, verFovDeg: verFovDeg}
	tv.topLeftX = longitudeDeg + horFovDeg/2
	tv.bottomLeftX = tv.topLeftX
	tv.topRightX = longitudeDeg - horFovDeg/2
	tv.bottomRightX = tv.topRightX
	tv.topY = latitudeDeg + verFovDeg/2
	tv.bottomY = latitudeDeg - verFovDeg/2
	return tv
}

func (t *TileViewport) topBottom() (top, bottom float64) { return t.topY, t.bottomY }

func (t *TileViewport) leftRight() (left, right float64) {
	left = t.topLeftX
	if t.bottomLeftX < t.topLeftX {
		left = t.bottomLeftX
	}
	right = t.topRightX
	if t.bottomRightX < t.topRightX {
		right = t.topRightX
	}
	return left, right
}

// RenderedViewport is the renderer's current view, approximated as a
// quadrilateral whose side slopes derive from its top/bottom-y and
// corner-x positions per spec §4.7.
type RenderedViewport struct {
	longitudeDeg, latitudeDeg float64
	horFovDeg, verFovDeg      float64

	topLeftX, bottomLeftX   float64
	topRightX, bottomRightX float64
	topY, bottomY           float64

	slopeLeft, slopeRight float64
	shiftLeft, shiftRight float64
}

// NewRenderedViewport builds the rendered viewport and precomputes its
// corner positions and (for equirect tiles) its edge slopes, following
// VASRenderedViewport::setPosition.
func NewRenderedViewport(longitudeDeg, latitudeDeg, widthDeg, heightDeg float64, forEquirectTile bool) *RenderedViewport {
	v := &RenderedViewport{longitudeDeg: longitudeDeg, latitudeDeg: latitudeDeg, horFovDeg: widthDeg, verFovDeg: heightDeg}

	v.topY = math.Min(90, latitudeDeg+heightDeg/2)
	v.bottomY = math.Max(-90, latitudeDeg-heightDeg/2)

	switch {
	case latitudeDeg+heightDeg/2 > 90:
		crossing := latitudeDeg + heightDeg/2 - 90
		angle := toDegrees(math.Asin(crossing / (heightDeg / 2)))
		v.topLeftX = longitudeDeg + 180
		v.bottomLeftX = longitudeDeg + 90 + angle
		v.topRightX = longitudeDeg - 180
		v.bottomRightX = longitudeDeg - 90 - angle
	case latitudeDeg-heightDeg/2 < -90:
		crossing := latitudeDeg - heightDeg/2 + 90
		angle := toDegrees(math.Asin(crossing / (heightDeg / 2)))
		v.topLeftX = longitudeDeg + 90 - angle
		v.bottomLeftX = longitudeDeg + 180
		v.topRightX = longitudeDeg - 90 + angle
		v.bottomRightX = longitudeDeg - 180
	default:
		var stretchTop, stretchBottom float64
		if latitudeDeg+heightDeg/2 > 60 {
			stretchTop = 30
		} else if latitudeDeg-heightDeg/2 < -60 {
			stretchBottom = 30
		}
		v.topLeftX = longitudeDeg + widthDeg/2 + stretchTop
		v.bottomLeftX = longitudeDeg + widthDeg/2 + stretchBottom
		v.topRightX = longitudeDeg - widthDeg/2 - stretchTop
		v.bottomRightX = longitudeDeg - widthDeg/2 - stretchBottom
	}

	if forEquirectTile {
		v.slopeLeft = (v.topLeftX - v.bottomLeftX) / (v.topY - v.bottomY)
		v.shiftLeft = v.topLeftX - v.slopeLeft*v.topY
		v.slopeRight = (v.topRightX - v.bottomRightX) / (v.topY - v.bottomY)
		v.shiftRight = v.topRightX - v.slopeRight*v.topY
	}
	return v
}

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

func (v *RenderedViewport) topBottom() (top, bottom float64) { return v.topY, v.bottomY }

func (v *RenderedViewport) edgeX(limitY, tileY, slope, shift, fallback float64) float64 {
	if limitY == tileY {
		return shift + slope*limitY
	}
	return fallback
}

// Intersect computes the unnormalized intersection area between the
// rendered viewport and a rectangular tile viewport, per spec §4.7's
// algorithm (equirect wrap-around retry; cubemap top/bottom angular
// scaling).
func (v *RenderedViewport) Intersect(tile *TileViewport) float64 {
	tileLeft, tileRight := tile.leftRight()
	switch tile.shape {
	case ShapeEquirect:
		if tileLeft <= 180 && tileRight >= -180 {
			return v.checkIntersectionEquirect(tile, false)
		}
		if score := v.checkIntersectionEquirect(tile, false); score != 0 {
			return score
		}
		return v.checkIntersectionEquirect(tile, true)
	case ShapeCubemapTopBottom:
		return v.checkIntersectionCubeTopBottom(tile)
	case ShapeCubemapMiddle:
		if tileLeft <= 180 && tileRight >= -180 {
			return v.checkIntersectionCubeMiddle(tile)
		}
		return 0
	default:
		return 0
	}
}

func (v *RenderedViewport) checkIntersectionEquirect(tile *TileViewport, wrapLeft bool) float64 {
	tileTopY, tileBottomY := tile.topBottom()
	rTopY, rBottomY := v.topBottom()
	topY := math.Min(tileTopY, rTopY)
	bottomY := math.Max(tileBottomY, rBottomY)
	height := topY - bottomY
	if height <= 0 {
		return 0
	}

	tileLeft, tileRight := tile.leftRight()
	if wrapLeft {
		if tileRight > 0 {
			tileLeft -= 360
			tileRight -= 360
		} else {
			tileLeft += 360
			tileRight += 360
		}
	}

	topLeftVP := v.edgeX(topY, tileTopY, v.slopeLeft, v.shiftLeft, v.bottomLeftX)
	topRightVP := v.edgeX(topY, tileTopY, v.slopeRight, v.shiftRight, v.bottomRightX)
	bottomLeftVP := v.edgeX(bottomY, tileBottomY, v.slopeLeft, v.shiftLeft, v.bottomLeftX)
	bottomRightVP := v.edgeX(bottomY, tileBottomY, v.slopeRight, v.shiftRight, v.bottomRightX)

	topLeftX := clampCorner(tileLeft, tileRight, topLeftVP, true)
	topRightX := clampCorner(tileLeft, tileRight, topRightVP, false)
	bottomLeftX := clampCorner(tileLeft, tileRight, bottomLeftVP, true)
	bottomRightX := clampCorner(tileLeft, tileRight, bottomRightVP, false)

	if topLeftX-topRightX >= 0 || bottomLeftX-bottomRightX >= 0 {
		return height * ((topLeftX + bottomLeftX) - (topRightX + bottomRightX))
	}
	return 0
}

// clampCorner reduces the 3-branch corner clip ("does not cross left",
// "inside tile", "triangle case") common to all four corners of
// doCheckIntersection into one helper, parameterized by which side is
// being clipped.
func clampCorner(tileLeft, tileRight, vp float64, isLeftCorner bool) float64 {
	if isLeftCorner {
		switch {
		case tileLeft <= vp:
			return tileLeft
		case vp >= tileRight:
			return vp
		default:
			return tileRight
		}
	}
	switch {
	case tileRight >= vp:
		return tileRight
	case vp <= tileLeft:
		return vp
	default:
		return tileLeft
	}
}

func (v *RenderedViewport) findIntersectionWidth(tileLeft, tileRight float64) float64 {
	leftX, rightX := v.topLeftX, v.topRightX
	switch {
	case rightX < -180:
		if rightX <= tileLeft-360 {
			switch {
			case tileRight > leftX:
				tileLeft -= 360
				tileRight -= 360
			case tileRight <= -180 && tileLeft >= 180:
				tileRight -= 360
			}
		}
	case leftX > 180:
		if leftX >= tileRight+360 {
			switch {
			case tileLeft < rightX:
				tileLeft += 360
				tileRight += 360
			case tileRight <= -180 && tileLeft >= 180:
				tileLeft += 360
			}
		}
	}
	if tileRight >= rightX {
		rightX = tileRight
	}
	if tileLeft <= leftX {
		leftX = tileLeft
	}
	if leftX-rightX > 0 {
		return leftX - rightX
	}
	return 0
}

func (v *RenderedViewport) checkIntersectionCubeMiddle(tile *TileViewport) float64 {
	tileTopY, tileBottomY := tile.topBottom()
	rTopY, rBottomY := v.topBottom()
	topY := math.Min(tileTopY, rTopY)
	bottomY := math.Max(tileBottomY, rBottomY)
	height := topY - bottomY
	if height <= 0 {
		return 0
	}
	tileLeft, tileRight := tile.leftRight()
	return height * v.findIntersectionWidth(tileLeft, tileRight)
}

// checkIntersectionCubeTopBottom handles top/bottom cube faces, which
// cover the full 360 longitude: a tile's angular width determines how
// much of the face it represents, per spec §4.7's last bullet.
func (v *RenderedViewport) checkIntersectionCubeTopBottom(tile *TileViewport) float64 {
	tileTopY, tileBottomY := tile.topBottom()
	rTopY, rBottomY := v.topBottom()
	topY := math.Min(tileTopY, rTopY)
	bottomY := math.Max(tileBottomY, rBottomY)
	height := topY - bottomY
	if height <= 0 {
		return 0
	}

	factor := 1.0
	tileLeft, tileRight := tile.leftRight()
	width := math.Abs(tileLeft - tileRight)

	switch {
	case width > 89:
		tileLeft += 45
		tileRight -= 45
		factor = 2
		if math.Abs(tileTopY-tileBottomY) > 45 {
			tileLeft, tileRight = 180, -180
			factor = 4
		}
	case width > 44:
		tileLeft += 22.5
		tileRight -= 22.5
		factor = 2
		if math.Abs(tileTopY-tileBottomY) > 45 {
			tileLeft += 45
			tileRight -= 45
			factor = 4
		}
	}

	return height * v.findIntersectionWidth(tileLeft, tileRight) / factor
}
