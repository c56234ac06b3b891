// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package geometry interprets the OMAF projection/packing boxes of
// spec §4.6 (prfl, stvi, rotn, rwpk, covi, srqr/2dqr) into a Source
// descriptor the renderer composits against.
package geometry

import (
	"math"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
)

// ProjectionType mirrors the OMAF prfl box's projection_type field.
type ProjectionType int

const (
	Equirectangular ProjectionType = iota
	Cubemap
)

// StereoMode mirrors the OMAF stvi box.
type StereoMode int

const (
	Mono StereoMode = iota
	TopBottom
	SideBySide
)

// Transform is the rwpk per-region packing transform (spec §4.6).
type Transform int

const (
	TransformIdentity Transform = iota
	TransformMirror
	Transform180
	TransformMirror180
	TransformMirror90L
	Transform90L
	TransformMirror90R
	Transform90R
)

// Rotation holds the rotn box's three signed angles, already converted
// from Q16.16 fixed point to radians.
type Rotation struct {
	YawRad, PitchRad, RollRad float64
}

// q16_16ToRadians converts a signed Q16.16 fixed-point degree value (as
// stored in the rotn box) to radians.
func q16_16ToRadians(fixed int32) float64 {
	degrees := float64(fixed) / 65536.0
	return degrees * math.Pi / 180.0
}

// DecodeRotation converts three raw Q16.16 rotn fields to radians.
func DecodeRotation(yaw, pitch, roll int32) Rotation {
	return Rotation{
		YawRad:   q16_16ToRadians(yaw),
		PitchRad: q16_16ToRadians(pitch),
		RollRad:  q16_16ToRadians(roll),
	}
}

// Coverage is the covi box's declared spherical region, in degrees
// (already divided down from Q16.16).
type Coverage struct {
	CenterAzimuthDeg, CenterElevationDeg float64
	AzimuthRangeDeg, ElevationRangeDeg   float64
}

// DecodeCoverage converts raw Q16.16 covi fields to degrees.
func DecodeCoverage(centerAz, centerEl, azRange, elRange int32) Coverage {
	const scale = 1.0 / 65536.0
	return Coverage{
		CenterAzimuthDeg:   float64(centerAz) * scale,
		CenterElevationDeg: float64(centerEl) * scale,
		AzimuthRangeDeg:    float64(azRange) * scale,
		ElevationRangeDeg:  float64(elRange) * scale,
	}
}

// Rect is a normalized (0..1) rectangle, used for both packed and
// projected rects in rwpk.
type Rect struct {
	X, Y, Width, Height float64
}

// RegionPacking is one rwpk region: a packed rect mapped to a
// projected rect, under a transform.
type RegionPacking struct {
	Packed    Rect
	Projected Rect
	Transform Transform
}

// EquirectRegion is one constituent-picture-matching region for
// equirectangular content (spec §4.6, first bullet).
type EquirectRegion struct {
	Input               Rect
	CenterLonDeg        float64
	CenterLatDeg        float64
	SpanLonDeg          float64
	SpanLatDeg          float64
}

// CubemapFaceOrientation is the internal (unrotated-LFRDBU) face
// orientation enum faces are normalized to, independent of how the
// wire-format rwpk encoded them.
type CubemapFaceOrientation int

const (
	FaceLeft CubemapFaceOrientation = iota
	FaceFront
	FaceRight
	FaceDown
	FaceBack
	FaceUp
)

// CubemapFace is one face of a packed cubemap layout, after rewriting
// from the wire's OMAF-default LFRDBU-bottom-row-rotated layout to the
// internal LFRDBU-unrotated layout (spec §4.6, scenario S5).
type CubemapFace struct {
	Orientation      CubemapFaceOrientation
	SourceRect       Rect
	RotationDeltaDeg Rotation // applied on top of the stream-level rotn
}

// Source is the geometry/metadata descriptor emitted once per video
// stream (spec §3's "Source (projection descriptor)").
type Source struct {
	Projection    ProjectionType
	Stereo        StereoMode
	Rotation      Rotation
	Coverage      *Coverage
	Regions       []RegionPacking
	EquirectRegions []EquirectRegion // only for Equirectangular
	CubemapFaces  []CubemapFace     // only for Cubemap
}

// faceOrder is the canonical OMAF default LFRDBU wire order: Left,
// Front, Right, Down, Back, Up.
var faceOrder = []CubemapFaceOrientation{FaceLeft, FaceFront, FaceRight, FaceDown, FaceBack, FaceUp}

// rewriteLFRDBU builds the six internal-orientation cubemap faces from
// six equal-size packed sub-rects laid out in OMAF's default LFRDBU
// order (row-major 3x2 or column layout depending on rwpk; here we only
// need the per-face source rect and orientation, not its grid
// position, since rwpk already supplies packed rects per region).
//
// OMAF's default layout rotates the bottom row (D, B, U) by +90°
// relative to this package's internal LFRDBU-unrotated layout, so
// those three faces receive a corrective rotation delta of
// (+90, 0, -90) as scenario S5 specifies.
func rewriteLFRDBU(packedRects []Rect) []CubemapFace {
	faces := make([]CubemapFace, 0, len(faceOrder))
	for i, orientation := range faceOrder {
		if i >= len(packedRects) {
			break
		}
		face := CubemapFace{Orientation: orientation, SourceRect: packedRects[i]}
		switch orientation {
		case FaceDown, FaceBack, FaceUp:
			face.RotationDeltaDeg = Rotation{YawRad: degToRad(90), PitchRad: 0, RollRad: degToRad(-90)}
		}
		faces = append(faces, face)
	}
	return faces
}

func degToRad(d float64) float64 { return d * math.Pi / 180.0 }

// NewEquirectSource builds a Source for equirect content, optionally
// carrying constituent-picture-matching regions.
func NewEquirectSource(stereo StereoMode, rot Rotation, cov *Coverage, regions []RegionPacking, equirect []EquirectRegion) *Source {
	return &Source{
		Projection:      Equirectangular,
		Stereo:          stereo,
		Rotation:        rot,
		Coverage:        cov,
		Regions:         regions,
		EquirectRegions: equirect,
	}
}

// NewCubemapSource builds a Source for cubemap content. packedRects
// must list the six OMAF-default-order (LFRDBU) packed rects read from
// rwpk; they are rewritten into the internal face-orientation layout.
func NewCubemapSource(stereo StereoMode, rot Rotation, cov *Coverage, packedRects []Rect) (*Source, error) {
	if len(packedRects) != 6 {
		return nil, omaferrors.New("NewCubemapSource", omaferrors.InvalidData)
	}
	return &Source{
		Projection:   Cubemap,
		Stereo:       stereo,
		Rotation:     rot,
		Coverage:     cov,
		CubemapFaces: rewriteLFRDBU(packedRects),
	}, nil
}

// QualityRank holds a srqr/2dqr per-region (or per-track, when Regions
// is empty) quality index. Lower is better.
type QualityRank struct {
	Rank    int
	Regions []Rect // empty means the rank applies to the whole track (2dqr track-level form)
}
