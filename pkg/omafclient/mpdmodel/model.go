// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package mpdmodel translates a DASH MPD, parsed by Eyevinn/dash-mpd,
// into the plain adaptation-set/representation tree the rest of the
// client pipeline drives. It is the "MPD XML parser" library
// collaborator named in spec §1/§6: this package interprets the tree
// dash-mpd already gives us, it does not parse XML itself.
package mpdmodel

import (
	"fmt"
	"strconv"
	"strings"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
)

// Scheme URIs recognized from spec §6.
const (
	SchemeRole              = "urn:mpeg:dash:role:2011"
	SchemeStereoID          = "urn:mpeg:dash:stereoid:2011"
	SchemeFramePacking      = "urn:mpeg:mpegB:cicp:VideoFramePackingType"
	SchemeOmafProjection    = "urn:mpeg:mpegI:omaf:2017:pf"
	SchemeOmafCoverage      = "urn:mpeg:mpegI:omaf:2017:cc"
	SchemeSrqr              = "urn:mpeg:mpegI:omaf:2017:srqr"
	Scheme2dqr              = "urn:mpeg:mpegI:omaf:2017:2dqr"
	SchemeRwpk              = "urn:mpeg:mpegI:omaf:2017:rwpk"
	SchemePreselection      = "urn:mpeg:dash:preselection:2016"
	RoleMetadata            = "metadata"
	AssociationTypeCDSC     = "cdsc"
	FramePackingSideBySide  = "3"
	FramePackingTopBottom   = "4"
	FramePackingTemporal    = "5" // not supported, per spec §6
	CodecExtractorHVC2      = "hvc2"
	CodecProjEquirect       = "resv.podv+erpv"
	CodecProjCubemap        = "resv.podv+ercm"
)

// PresentationType mirrors MPD @type.
type PresentationType int

const (
	Static PresentationType = iota
	Dynamic
)

// Presentation is the parsed, client-facing view of an MPD: one active
// Period's adaptation sets, plus the top-level timing attributes the
// segment-stream drivers need.
type Presentation struct {
	Type                  PresentationType
	MediaPresentationDurS float64
	AvailabilityStartS    float64
	MinimumUpdatePeriodS  float64
	BaseURL               string
	AdaptationSets        []*AdaptationSetConfig
}

// AssociationRef ties a representation to another by MPD associationId,
// used for both cdsc (timed-metadata) and overlay-audio associations
// (SPEC_FULL.md supplemented feature 5).
type AssociationRef struct {
	ID   string
	Type string
}

// AdaptationSetConfig is the parsed shape of one <AdaptationSet>.
type AdaptationSetConfig struct {
	ID              uint32
	ContentType     string // video, audio, text
	MimeType        string
	Codecs          string
	IsExtractor     bool // hvc2 codec
	HasDependencyID bool
	Roles           []string
	StereoRole      string // "l" / "r" prefix value from SchemeStereoID
	FramePacking    string
	Projection      *ProjectionInfo
	Representations []*RepresentationConfig
	// SupportingSetIDs lists the tile adaptation-set ids this extractor
	// set concatenates segments from, in bundle-assigned bit order.
	SupportingSetIDs []uint32
}

// ProjectionInfo is the raw OMAF projection-type signal from the MPD
// (0=equirect, 1=cubemap); full geometry parsing happens in package
// geometry from the ISOBMFF boxes for local files, or is derived here
// for DASH from the EssentialProperty/SupplementalProperty value.
type ProjectionInfo struct {
	ProjectionType int
}

// RepresentationConfig is the parsed shape of one <Representation>.
type RepresentationConfig struct {
	ID             string
	Bandwidth      uint32
	Width, Height  uint32
	FrameRate      string
	Codecs         string
	QualityRanking int
	DependencyIDs  []string
	Association    *AssociationRef
	Template       *m.SegmentTemplateType
	IsOnDemand     bool // single-file representation, driven by sidx
	InitURL        string
	MediaURLPrefix string // for on-demand: the single media URL
}

// Parse reads a dash-mpd MPD tree into a Presentation. baseURL is the
// resolved base for relative segment template URLs (the MPD's own
// BaseURL, or the URL the MPD itself was fetched from).
func Parse(mpd *m.MPD, baseURL string) (*Presentation, error) {
	if mpd == nil {
		return nil, omaferrors.New("mpdmodel.Parse", omaferrors.InvalidData)
	}
	if len(mpd.Periods) == 0 {
		return nil, omaferrors.New("mpdmodel.Parse", omaferrors.InvalidData)
	}
	p := &Presentation{BaseURL: baseURL}
	if mpd.Type != nil && *mpd.Type == "dynamic" {
		p.Type = Dynamic
	}
	if mpd.MediaPresentationDuration != nil {
		p.MediaPresentationDurS, _ = mpd.MediaPresentationDuration.ConvertToSeconds()
	}
	if mpd.AvailabilityStartTime != "" {
		secs, err := mpd.AvailabilityStartTime.ConvertToSeconds()
		if err == nil {
			p.AvailabilityStartS = secs
		}
	}
	if mpd.MinimumUpdatePeriod != nil {
		p.MinimumUpdatePeriodS, _ = mpd.MinimumUpdatePeriod.ConvertToSeconds()
	}

	period := mpd.Periods[0]
	idByAS := make(map[*m.AdaptationSetType]uint32)
	for i, as := range period.AdaptationSets {
		asc, err := parseAdaptationSet(as, uint32(i+1))
		if err != nil {
			return nil, err
		}
		idByAS[as] = asc.ID
		p.AdaptationSets = append(p.AdaptationSets, asc)
	}
	resolveExtractorSupportSets(p.AdaptationSets)
	return p, nil
}

func parseAdaptationSet(as *m.AdaptationSetType, fallbackID uint32) (*AdaptationSetConfig, error) {
	asc := &AdaptationSetConfig{
		ID:          fallbackID,
		ContentType: string(as.ContentType),
		MimeType:    as.MimeType,
		Codecs:      as.Codecs,
	}
	for _, r := range as.Roles {
		if r.SchemeIdUri == SchemeRole {
			asc.Roles = append(asc.Roles, r.Value)
		}
	}
	for _, sp := range as.SupplementalProperties {
		applyProperty(asc, sp.SchemeIdUri, sp.Value)
	}
	for _, ep := range as.EssentialProperties {
		applyProperty(asc, ep.SchemeIdUri, ep.Value)
	}
	asc.IsExtractor = strings.Contains(asc.Codecs, CodecExtractorHVC2)

	segTmpl := as.SegmentTemplate
	for _, rep := range as.Representations {
		rc := &RepresentationConfig{
			ID:        rep.Id,
			Bandwidth: rep.Bandwidth,
			Codecs:    rep.Codecs,
		}
		if rep.Width != nil {
			rc.Width = *rep.Width
		}
		if rep.Height != nil {
			rc.Height = *rep.Height
		}
		if len(rep.DependencyId) > 0 {
			rc.DependencyIDs = strings.Split(rep.DependencyId, ",")
			asc.HasDependencyID = true
		}
		if rep.AssociationId != "" {
			rc.Association = &AssociationRef{ID: rep.AssociationId, Type: rep.AssociationType}
		}
		tmpl := segTmpl
		if rep.SegmentTemplate != nil {
			tmpl = rep.SegmentTemplate
		}
		if tmpl != nil {
			rc.Template = tmpl
			if init, err := rep.GetInit(); err == nil {
				rc.InitURL = init
			}
		} else {
			rc.IsOnDemand = true
			if len(rep.BaseURLs) > 0 {
				rc.MediaURLPrefix = rep.BaseURLs[0].Value
			}
		}
		asc.Representations = append(asc.Representations, rc)
	}
	sortByBandwidth(asc.Representations)
	return asc, nil
}

func applyProperty(asc *AdaptationSetConfig, schemeIdUri, value string) {
	switch schemeIdUri {
	case SchemeStereoID:
		asc.StereoRole = value
	case SchemeFramePacking:
		asc.FramePacking = value
	case SchemeOmafProjection:
		if v, err := strconv.Atoi(value); err == nil {
			asc.Projection = &ProjectionInfo{ProjectionType: v}
		}
	}
}

// sortByBandwidth keeps representations ordered ascending by bitrate,
// the AdaptationSet invariant of spec §3.
func sortByBandwidth(reps []*RepresentationConfig) {
	for i := 1; i < len(reps); i++ {
		for j := i; j > 0 && reps[j].Bandwidth < reps[j-1].Bandwidth; j-- {
			reps[j], reps[j-1] = reps[j-1], reps[j]
		}
	}
}

// resolveExtractorSupportSets wires each extractor adaptation set to
// the tile sets it depends on, via @dependencyId matching tile
// representation ids to the owning adaptation set.
func resolveExtractorSupportSets(sets []*AdaptationSetConfig) {
	repOwner := make(map[string]uint32)
	for _, as := range sets {
		for _, r := range as.Representations {
			repOwner[r.ID] = as.ID
		}
	}
	for _, as := range sets {
		if !as.IsExtractor {
			continue
		}
		seen := make(map[uint32]bool)
		for _, r := range as.Representations {
			for _, dep := range r.DependencyIDs {
				if ownerID, ok := repOwner[dep]; ok && !seen[ownerID] {
					seen[ownerID] = true
					as.SupportingSetIDs = append(as.SupportingSetIDs, ownerID)
				}
			}
		}
	}
}

// ErrorForUnsupportedFramePacking reports spec §6's explicit
// non-support for temporal frame packing (type 5).
func ErrorForUnsupportedFramePacking(framePacking string) error {
	if framePacking == FramePackingTemporal {
		return omaferrors.New("mpdmodel", omaferrors.NotSupported)
	}
	return nil
}

// String implements fmt.Stringer for diagnostics.
func (a *AdaptationSetConfig) String() string {
	return fmt.Sprintf("AdaptationSet{id=%d type=%s codecs=%s reps=%d extractor=%v}",
		a.ID, a.ContentType, a.Codecs, len(a.Representations), a.IsExtractor)
}
