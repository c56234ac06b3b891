// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package adaptationset implements the AdaptationSet of spec §4.3:
// bitrate/quality switching across an ordered set of interchangeable
// representations, and, for extractor sets, the tile-concatenation
// protocol of §4.3.1.
package adaptationset

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/isobmff"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/representation"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// Kind is the media-content descriptor from spec §4.3.
type Kind int

const (
	Baseline Kind = iota
	Audio
	Subpicture
	Tile
	Extractor
	ExtractorWithDependencyIDs
	Overlay
	Metadata
)

// Role is a supporting tile's assigned position within an extractor's
// layout, used for quality selection (spec §4.3 "Quality selection").
type Role int

const (
	RoleForeground Role = iota
	RoleMargin
	RoleBackground
	RolePole
)

// RoleLookup resolves the role of a supporting tile set within a
// bundle's layout, usually backed by viewport-intersection ranking
// (package viewport).
type RoleLookup func(tileSetID uint32) Role

// segmentSink is the narrow slice of isobmff.Adapter the extractor
// protocol needs to hand off a concatenated segment.
type segmentSink interface {
	AddSegment(streamID isobmff.StreamID, seg *segment.Segment) error
}

// AdaptationSet is an ordered, bitrate-sorted group of interchangeable
// representations.
type AdaptationSet struct {
	mu sync.Mutex

	log  *slog.Logger
	ID   uint32
	Kind Kind

	representations []*representation.Representation // ascending bitrate, invariant
	current         *representation.Representation
	next            *representation.Representation // non-nil iff a switch is in flight

	// Extractor-bundle state (spec §4.3.1); zero value for non-extractor
	// sets.
	isExtractor       bool
	ownRep            *representation.Representation
	support           []*AdaptationSet
	bitOf             map[uint32]uint32
	fullMask          uint32
	nextToConcatenate segment.ID
	highestToDownload segment.ID
	arrivalMask       uint32
	firstSegmentDone  bool

	pendingExtractorSegs map[segment.ID]*segment.Segment
	pendingTileSegs      map[uint32]map[segment.ID]*segment.Segment

	sink segmentSink
}

// New builds a plain (non-extractor) AdaptationSet. reps must already
// be sorted ascending by bitrate (mpdmodel guarantees this).
func New(log *slog.Logger, id uint32, kind Kind, reps []*representation.Representation) *AdaptationSet {
	if log == nil {
		log = slog.Default()
	}
	a := &AdaptationSet{log: log, ID: id, Kind: kind, representations: reps}
	if len(reps) > 0 {
		a.current = reps[0]
	}
	return a
}

// NewExtractorBundle builds an extractor AdaptationSet around its own
// (extractor-track) representation and the sink that concatenated
// segments are fed to. startSegmentID is the MPD's first segment id
// (commonly 1), seeding both next_to_concatenate and
// highest_to_download.
func NewExtractorBundle(log *slog.Logger, id uint32, kind Kind, ownRep *representation.Representation,
	sink segmentSink, startSegmentID segment.ID) *AdaptationSet {
	if log == nil {
		log = slog.Default()
	}
	return &AdaptationSet{
		log:                  log,
		ID:                   id,
		Kind:                 kind,
		isExtractor:          true,
		ownRep:               ownRep,
		bitOf:                make(map[uint32]uint32),
		nextToConcatenate:    startSegmentID,
		highestToDownload:    startSegmentID,
		pendingExtractorSegs: make(map[segment.ID]*segment.Segment),
		pendingTileSegs:      make(map[uint32]map[segment.ID]*segment.Segment),
		sink:                 sink,
	}
}

// RegisterSupportingSet assigns the next free bit to a tile set joining
// the bundle, per spec §4.3.1's registration rule.
func (a *AdaptationSet) RegisterSupportingSet(tileSet *AdaptationSet) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isExtractor {
		return omaferrors.New("RegisterSupportingSet", omaferrors.InvalidState)
	}
	bit := uint32(1) << uint32(len(a.support))
	a.bitOf[tileSet.ID] = bit
	a.fullMask |= bit
	a.support = append(a.support, tileSet)
	a.pendingTileSegs[tileSet.ID] = make(map[segment.ID]*segment.Segment)
	return nil
}

// SelectByQualityRank returns the representation whose quality rank
// equals q, rounding down to the nearest lower-quality
// representation that exists when q is absent (spec §4.3).
func (a *AdaptationSet) SelectByQualityRank(q int) (*representation.Representation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.representations) == 0 {
		return nil, omaferrors.New("SelectByQualityRank", omaferrors.ItemNotFound)
	}
	ranked := make([]*representation.Representation, len(a.representations))
	copy(ranked, a.representations)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Config.QualityRanking < ranked[j].Config.QualityRanking })

	var best *representation.Representation
	for _, r := range ranked {
		if r.Config.QualityRanking <= q {
			if best == nil || r.Config.QualityRanking > best.Config.QualityRanking {
				best = r
			}
		}
	}
	if best == nil {
		best = ranked[0] // every level was above q: round down to the lowest available
	}
	return best, nil
}

// Current returns the representation currently owning the active
// stream id.
func (a *AdaptationSet) Current() *representation.Representation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SwitchTo begins an ABR switch: sets next and resumes it immediately
// after the current representation's last accepted segment, per spec
// §4.2's ABR switch protocol.
func (a *AdaptationSet) SwitchTo(target *representation.Representation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return omaferrors.New("SwitchTo", omaferrors.InvalidState)
	}
	if target == a.current {
		return nil
	}
	a.next = target
	return target.StartDownloadFrom(a.current.LastSegmentID() + 1)
}

// CommitIfReady performs the switch commit once next has at least one
// usable segment and current has exhausted the packets for its current
// segment (currentExhausted is supplied by the caller, which alone
// knows decoder-queue depth).
func (a *AdaptationSet) CommitIfReady(currentExhausted bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == nil {
		return false
	}
	// SwitchTo starts next at current.LastSegmentID()+1 >= 1, so a zero
	// LastSegmentID means next has not accepted a segment yet.
	if a.next.LastSegmentID() == 0 {
		return false
	}
	if !currentExhausted {
		return false
	}
	a.current.StopDownload()
	a.current = a.next
	a.next = nil
	return true
}

// PendingSwitch reports whether an ABR switch is in flight.
func (a *AdaptationSet) PendingSwitch() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next != nil
}

// --- Extractor bundle protocol (spec §4.3.1) ---

// OnExtractorSegmentArrived queues a freshly-downloaded extractor
// segment for concatenation; it is not parsed on its own.
func (a *AdaptationSet) OnExtractorSegmentArrived(seg *segment.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isExtractor {
		return omaferrors.New("OnExtractorSegmentArrived", omaferrors.InvalidState)
	}
	a.pendingExtractorSegs[seg.ID] = seg
	return nil
}

// OnTileSegmentArrived queues a tile set's segment and advances the
// arrival bitmask (step 2 of §4.3.1).
func (a *AdaptationSet) OnTileSegmentArrived(tileSetID uint32, seg *segment.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket, ok := a.pendingTileSegs[tileSetID]
	if !ok {
		return omaferrors.New("OnTileSegmentArrived", omaferrors.ItemNotFound)
	}
	bucket[seg.ID] = seg
	if seg.ID >= a.highestToDownload {
		a.arrivalMask |= a.bitOf[tileSetID]
	}
	return nil
}

// Pump runs one iteration of the extractor protocol: advances
// highest_to_download when all bits have arrived (step 3), then
// attempts concatenation at next_to_concatenate (step 4). Returns the
// concatenated segment fed downstream, if any.
func (a *AdaptationSet) Pump() (*segment.Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.arrivalMask == a.fullMask && a.fullMask != 0 {
		a.highestToDownload++
		a.arrivalMask = 0
		for _, ts := range a.support {
			if present(a.pendingTileSegs[ts.ID], a.highestToDownload) {
				a.arrivalMask |= a.bitOf[ts.ID]
			}
		}
	}

	extSeg, haveExt := a.pendingExtractorSegs[a.nextToConcatenate]
	if !haveExt {
		return nil, nil
	}
	tiles := make([]*segment.Segment, 0, len(a.support))
	for _, ts := range a.support {
		tileSeg, ok := a.pendingTileSegs[ts.ID][a.nextToConcatenate]
		if !ok {
			return nil, nil
		}
		tiles = append(tiles, tileSeg)
	}

	concatenated := segment.Concat(extSeg, tiles)
	if a.sink != nil {
		if err := a.sink.AddSegment(a.ownRep.StreamID, concatenated); err != nil {
			return nil, err
		}
	}

	delete(a.pendingExtractorSegs, a.nextToConcatenate)
	for _, ts := range a.support {
		bucket := a.pendingTileSegs[ts.ID]
		for id := range bucket {
			if id <= a.nextToConcatenate {
				delete(bucket, id)
			}
		}
	}
	a.nextToConcatenate++
	a.firstSegmentDone = true
	return concatenated, nil
}

func present(bucket map[segment.ID]*segment.Segment, id segment.ID) bool {
	_, ok := bucket[id]
	return ok
}

// SelectQuality applies the extractor set's three-tier quality
// selection (spec §4.3 "Quality selection") to every supporting tile
// set, given the caller's role assignment (usually viewport-intersect
// ranked).
func (a *AdaptationSet) SelectQuality(foreground, margin, background int, roleOf RoleLookup) error {
	a.mu.Lock()
	support := append([]*AdaptationSet(nil), a.support...)
	a.mu.Unlock()

	for _, ts := range support {
		role := roleOf(ts.ID)
		var q int
		switch role {
		case RoleForeground, RolePole:
			q = foreground
		case RoleMargin:
			q = margin
		case RoleBackground:
			q = background
		}
		rep, err := ts.SelectByQualityRank(q)
		if err != nil {
			return fmt.Errorf("adaptationset: select quality for tile set %d: %w", ts.ID, err)
		}
		if err := ts.SwitchTo(rep); err != nil {
			return fmt.Errorf("adaptationset: switch tile set %d to representation %s: %w", ts.ID, rep.Config.ID, err)
		}
	}
	return nil
}

// Buffering reports the bundle's buffering state per spec §4.3: true
// when the extractor's own next_to_concatenate segment is missing, or
// any active supporting tile is missing its next_to_concatenate
// segment, with the pre-buffering exception for the very first segment
// (all tiles, not just active ones, must reach the start).
func (a *AdaptationSet) Buffering() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isExtractor {
		return a.current != nil && a.current.State() == representation.Buffering
	}
	if _, ok := a.pendingExtractorSegs[a.nextToConcatenate]; !ok {
		return true
	}
	for _, ts := range a.support {
		if !a.firstSegmentDone && ts.Current() == nil {
			return true
		}
		if _, ok := a.pendingTileSegs[ts.ID][a.nextToConcatenate]; !ok {
			return true
		}
	}
	return false
}

// NextToConcatenate returns the extractor protocol's emission cursor.
func (a *AdaptationSet) NextToConcatenate() segment.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextToConcatenate
}

// HighestToDownload returns the largest segment id currently being
// pulled from supporting tile sets.
func (a *AdaptationSet) HighestToDownload() segment.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highestToDownload
}

// Representations flattens the representations this set is responsible
// for: for a plain set, its own list; for an extractor bundle, the
// extractor-track representation plus every supporting tile set's
// representations, matching spec §4.5's "all representations of the
// new bundle's extractor sets" reassignment target.
func (a *AdaptationSet) Representations() []*representation.Representation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isExtractor {
		out := make([]*representation.Representation, len(a.representations))
		copy(out, a.representations)
		return out
	}
	out := []*representation.Representation{a.ownRep}
	for _, ts := range a.support {
		out = append(out, ts.Representations()...)
	}
	return out
}
