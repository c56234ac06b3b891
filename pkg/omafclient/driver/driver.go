// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package driver implements the four segment-stream drivers of spec
// §4.4. The four variants never compose and their count is fixed, so
// they are modeled as one tagged-sum Driver struct dispatched on Kind
// rather than an interface with four implementations.
package driver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// Kind selects which of the four driver variants a Driver instance is.
type Kind int

const (
	TemplateStatic Kind = iota
	TemplateDynamic
	TimelineStatic
	OnDemand
)

func (k Kind) String() string {
	switch k {
	case TemplateStatic:
		return "template/static"
	case TemplateDynamic:
		return "template/dynamic"
	case TimelineStatic:
		return "timeline/static"
	case OnDemand:
		return "on-demand"
	default:
		return "unknown"
	}
}

// State is the driver's state machine, per spec §4.4.
type State int

const (
	Uninitialized State = iota
	DownloadingInit
	Idle
	DownloadingMedia
	Retry
	Error
	EndOfStream
)

// InitialSidxWindow is the initial byte-range estimate for an on-demand
// init+sidx fetch (SPEC_FULL.md supplemented feature 1, grounded on
// original_source's SEGMENT_INDEX_LENGTH constant).
const InitialSidxWindow = 5000

// MaxSidxWindowMultiplier bounds the ×5 growth retries at ×25 total.
const MaxSidxWindowMultiplier = 25

const maxRetries = 5

// Request is one fetch instruction the driver wants issued.
type Request struct {
	SegmentID segment.ID
	URL       string
	ByteRange segment.ByteRange
	IsInit    bool
}

// SidxEntry mirrors isobmff.SidxEntry without importing that package,
// to keep the driver ignorant of ISOBMFF parsing details; the
// representation layer bridges the two.
type SidxEntry struct {
	EarliestPTS int64
	ByteRange   segment.ByteRange
	DurationUS  int64
}

// timelineEntry is one expanded <S t d> entry (after repeat expansion
// and overlap merge), addressed by its position (segment id offset).
type timelineEntry struct {
	startUS int64
	durUS   int64
}

// Latency classes controlling the on-demand merge factor (§4.4).
type Latency int

const (
	LatencyLow Latency = iota
	LatencyMedium
	LatencyNonCritical
)

// Driver is the tagged-sum segment-stream driver.
type Driver struct {
	Kind  Kind
	state State

	currentSegmentID segment.ID
	retryCount       int
	lastErr          error

	// template fields (both static and dynamic)
	startNumber       uint32
	segmentDurationUS int64
	mediaPattern      string
	initPattern       string

	// dynamic-only fields
	availabilityStartS float64
	minDelaySegments   int
	bufferedSegments   int64
	now                func() time.Time

	// timeline-only fields
	timeline []timelineEntry

	// on-demand fields
	sidx            []SidxEntry
	initWindow      int64
	mergeFactor     int
	totalSegments   int
	mdatInFirstByte bool
}

// NewTemplateStatic builds a driver for SegmentTemplate@duration under
// MPD@type=static: segment id = startNumber + floor(t/segmentDuration).
func NewTemplateStatic(startNumber uint32, segmentDurationUS int64, mediaPattern, initPattern string) *Driver {
	return &Driver{
		Kind:              TemplateStatic,
		state:             Uninitialized,
		startNumber:       startNumber,
		segmentDurationUS: segmentDurationUS,
		mediaPattern:      mediaPattern,
		initPattern:       initPattern,
	}
}

// NewTemplateDynamic builds a driver for SegmentTemplate@duration under
// MPD@type=dynamic, segment ids derived from wall clock. bufferingTimeUS
// is the representation's target buffer depth; the initial segment pick
// sits that many segments, plus minDelaySegments, behind the live edge
// (NVRDashTemplateStreamDynamic.cpp's initializeSegmentIndex), so
// playback starts with a primed buffer instead of immediately stalling.
func NewTemplateDynamic(startNumber uint32, segmentDurationUS int64, mediaPattern, initPattern string,
	availabilityStartS float64, minDelaySegments int, bufferingTimeUS int64, now func() time.Time) *Driver {
	if now == nil {
		now = time.Now
	}
	var bufferedSegments int64
	if segmentDurationUS > 0 {
		bufferedSegments = bufferingTimeUS / segmentDurationUS
	}
	return &Driver{
		Kind:               TemplateDynamic,
		state:              Uninitialized,
		startNumber:        startNumber,
		segmentDurationUS:  segmentDurationUS,
		mediaPattern:       mediaPattern,
		initPattern:        initPattern,
		availabilityStartS: availabilityStartS,
		minDelaySegments:   minDelaySegments,
		bufferedSegments:   bufferedSegments,
		now:                now,
	}
}

// NewTimelineStatic builds a driver from a raw SegmentTimeline entry
// list. The constructor itself expands repeats (@r) and drops
// overlapping entries (see expandTimeline).
func NewTimelineStatic(startNumber uint32, entries []TimelineSpec, mediaPattern, initPattern string) *Driver {
	expanded := expandTimeline(entries)
	return &Driver{
		Kind:         TimelineStatic,
		state:        Uninitialized,
		startNumber:  startNumber,
		timeline:     expanded,
		mediaPattern: mediaPattern,
		initPattern:  initPattern,
	}
}

// TimelineSpec is one raw <S t d r> entry.
type TimelineSpec struct {
	T *uint64
	D uint64
	R int
}

func expandTimeline(entries []TimelineSpec) []timelineEntry {
	var out []timelineEntry
	var cursor int64
	for _, e := range entries {
		if e.T != nil {
			cursor = int64(*e.T)
		}
		repeat := e.R
		if repeat < 0 {
			repeat = 0
		}
		for i := 0; i <= repeat; i++ {
			out = append(out, timelineEntry{startUS: cursor, durUS: int64(e.D)})
			cursor += int64(e.D)
		}
	}
	// Drop any entry that starts before the previous kept entry ends;
	// entries that touch exactly are kept, so the table stays a strict
	// partition as spec §4.4 requires.
	merged := out[:0:0]
	for _, e := range out {
		if n := len(merged); n > 0 && merged[n-1].startUS+merged[n-1].durUS > e.startUS {
			continue // overlaps previous, drop
		}
		merged = append(merged, e)
	}
	return merged
}

// NewOnDemand builds a driver for a single-file sidx-indexed
// representation. The sidx table is not known until the initial
// byte-range fetch completes; see AdoptSidx.
func NewOnDemand(latency Latency, segmentDurationUS int64) *Driver {
	return &Driver{
		Kind:        OnDemand,
		state:       Uninitialized,
		initWindow:  InitialSidxWindow,
		mergeFactor: mergeFactorFor(latency, segmentDurationUS),
	}
}

func mergeFactorFor(latency Latency, segmentDurationUS int64) int {
	if segmentDurationUS <= 0 {
		return 1
	}
	segMS := segmentDurationUS / 1000
	switch latency {
	case LatencyLow:
		return 1
	case LatencyMedium:
		return int(ceilDiv(1000, segMS))
	case LatencyNonCritical:
		return int(ceilDiv(3000, segMS))
	default:
		return 1
	}
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

// State returns the current state-machine value.
func (d *Driver) State() State { return d.state }

// GrowSidxWindow applies the ×5 growth policy described in spec §4.4
// and §8 property 11. Returns InvalidData once the ×25 cap is exceeded.
func (d *Driver) GrowSidxWindow() error {
	if d.initWindow >= InitialSidxWindow*MaxSidxWindowMultiplier {
		return omaferrors.Wrap("GrowSidxWindow", omaferrors.InvalidData,
			fmt.Errorf("exceeded max window %d bytes", InitialSidxWindow*MaxSidxWindowMultiplier))
	}
	d.initWindow *= 5
	if d.initWindow > InitialSidxWindow*MaxSidxWindowMultiplier {
		d.initWindow = InitialSidxWindow * MaxSidxWindowMultiplier
	}
	return nil
}

// InitWindow returns the current on-demand init byte-range window size.
func (d *Driver) InitWindow() int64 { return d.initWindow }

// AdoptSidx stores the parsed sidx table and total segment count,
// learned once the initial on-demand byte-range response was parsed.
func (d *Driver) AdoptSidx(entries []SidxEntry, mdatInFirstWindow bool) {
	d.sidx = entries
	d.totalSegments = len(entries)
	d.mdatInFirstByte = mdatInFirstWindow
}

// Start begins fetching from a given presentation time.
func (d *Driver) Start(atTimeUS int64) error {
	id, err := d.CalculateSegmentID(atTimeUS)
	if err != nil {
		return err
	}
	return d.StartFrom(id)
}

// StartFrom resumes at a specific segment id.
func (d *Driver) StartFrom(id segment.ID) error {
	d.currentSegmentID = id
	d.retryCount = 0
	d.state = DownloadingInit
	return nil
}

// InitRequest returns the fetch for this representation's initialization
// segment: the resolved init URL for template/timeline drivers, or a
// byte-range request covering the current sidx estimation window for
// on-demand drivers (the same single file the media segments come
// from). Callers issue this once, before the first NextRequest call.
func (d *Driver) InitRequest(mediaBaseURL string) Request {
	switch d.Kind {
	case OnDemand:
		return Request{
			URL:       mediaBaseURL,
			ByteRange: segment.ByteRange{Start: 0, End: d.initWindow - 1},
			IsInit:    true,
		}
	default:
		return Request{URL: mediaBaseURL + d.initPattern, IsInit: true}
	}
}

// StartWithOverride behaves like StartFrom but is the entry point used
// by ABR/viewport switches (spec §4.2).
func (d *Driver) StartWithOverride(id segment.ID) error {
	return d.StartFrom(id)
}

// Stop transitions synchronously to Idle.
func (d *Driver) Stop() {
	d.state = Idle
}

// StopAsync records that a stop was requested; reset additionally
// signals the representation to flush queued packets (handled by the
// caller, not the driver).
func (d *Driver) StopAsync(reset bool) {
	d.state = Idle
}

// CalculateSegmentID computes the segment id containing ptsUS, per the
// table in spec §4.4.
func (d *Driver) CalculateSegmentID(ptsUS int64) (segment.ID, error) {
	switch d.Kind {
	case TemplateStatic:
		if d.segmentDurationUS <= 0 {
			return 0, omaferrors.New("CalculateSegmentID", omaferrors.InvalidState)
		}
		return segment.ID(uint64(d.startNumber) + uint64(ptsUS/d.segmentDurationUS)), nil
	case TemplateDynamic:
		// The initial/seek pick sits a primed buffer's worth of segments
		// behind the live edge in addition to the minimum playback delay,
		// matching initializeSegmentIndex's (maxBufferedSegments +
		// minDelaySegments) term.
		return d.calculateDynamicSegmentID(int64(d.minDelaySegments) + d.bufferedSegments)
	case TimelineStatic:
		for i, e := range d.timeline {
			if ptsUS >= e.startUS && ptsUS < e.startUS+e.durUS {
				return segment.ID(uint64(d.startNumber) + uint64(i)), nil
			}
		}
		if len(d.timeline) > 0 && ptsUS >= d.timeline[len(d.timeline)-1].startUS {
			return segment.ID(uint64(d.startNumber) + uint64(len(d.timeline)-1)), nil
		}
		return 0, omaferrors.New("CalculateSegmentID", omaferrors.ItemNotFound)
	case OnDemand:
		for i, e := range d.sidx {
			if e.EarliestPTS == ptsUS {
				return segment.ID(i), nil
			}
		}
		for i, e := range d.sidx {
			end := e.EarliestPTS
			if i+1 < len(d.sidx) {
				end = d.sidx[i+1].EarliestPTS
			} else {
				end = e.EarliestPTS + e.DurationUS
			}
			if ptsUS >= e.EarliestPTS && ptsUS < end {
				return segment.ID(i), nil
			}
		}
		return 0, omaferrors.New("CalculateSegmentID", omaferrors.ItemNotFound)
	default:
		return 0, omaferrors.New("CalculateSegmentID", omaferrors.NotSupported)
	}
}

// calculateDynamicSegmentID implements the stream-head enforcement of
// spec §4.4/§5: the target segment id is delaySegments behind the
// latest server-available segment. Callers pass just minDelaySegments
// for the ongoing "too close to head" gate (waitForStreamHead), or
// minDelaySegments+bufferedSegments for the initial/seek pick
// (initializeSegmentIndex).
func (d *Driver) calculateDynamicSegmentID(delaySegments int64) (segment.ID, error) {
	if d.segmentDurationUS <= 0 {
		return 0, omaferrors.New("calculateDynamicSegmentID", omaferrors.InvalidState)
	}
	nowS := float64(d.now().Unix())
	availS := nowS - d.availabilityStartS
	segDurS := float64(d.segmentDurationUS) / 1_000_000
	latestAvailable := int64(availS / segDurS)
	target := latestAvailable - delaySegments
	if target < 0 {
		target = 0
	}
	return segment.ID(uint64(d.startNumber) + uint64(target)), nil
}

// IsLastSegment reports whether the driver has no further segments to
// offer (timeline/static and on-demand drivers only; template drivers,
// static and dynamic, never report true).
func (d *Driver) IsLastSegment() bool {
	switch d.Kind {
	case TimelineStatic:
		return int(d.currentSegmentID)-int(d.startNumber) >= len(d.timeline)-1
	case OnDemand:
		return d.totalSegments > 0 && int(d.currentSegmentID) >= d.totalSegments-1
	default:
		return false
	}
}

// NextRequest returns the fetch the driver wants issued next, advancing
// currentSegmentID on success. ok is false when the driver must wait
// (e.g. a dynamic driver whose target is still behind the stream head).
func (d *Driver) NextRequest(mediaBaseURL string) (Request, bool, error) {
	switch d.state {
	case Error, EndOfStream:
		return Request{}, false, nil
	}
	if d.Kind == TemplateDynamic {
		// Unlike the initial pick, the ongoing stream-head gate only
		// enforces minDelaySegments (waitForStreamHead ignores buffer
		// size entirely).
		id, err := d.calculateDynamicSegmentID(int64(d.minDelaySegments))
		if err != nil {
			return Request{}, false, err
		}
		if id < d.currentSegmentID {
			return Request{}, false, nil // sleep one tick: too close to the stream head
		}
	}
	req := Request{SegmentID: d.currentSegmentID}
	switch d.Kind {
	case TemplateStatic, TemplateDynamic:
		req.URL = resolveNumberTemplate(d.mediaPattern, mediaBaseURL, uint64(d.currentSegmentID))
	case TimelineStatic:
		idx := int(d.currentSegmentID) - int(d.startNumber)
		if idx < 0 || idx >= len(d.timeline) {
			return Request{}, false, omaferrors.New("NextRequest", omaferrors.ItemNotFound)
		}
		req.URL = resolveTimeTemplate(d.mediaPattern, mediaBaseURL, uint64(d.timeline[idx].startUS))
	case OnDemand:
		idx := int(d.currentSegmentID)
		if idx < 0 || idx >= len(d.sidx) {
			return Request{}, false, omaferrors.New("NextRequest", omaferrors.ItemNotFound)
		}
		req.ByteRange = d.sidx[idx].ByteRange
		req.URL = mediaBaseURL
	}
	d.state = DownloadingMedia
	d.currentSegmentID++
	return req, true, nil
}

// SubsegmentRequest computes a byte-range request covering only the
// on-demand subsegment containing ptsUS, for
// representation.StartSubsegmentDownload (spec §4.2, scenario S3).
func (d *Driver) SubsegmentRequest(mediaBaseURL string, ptsUS int64) (Request, error) {
	if d.Kind != OnDemand {
		return Request{}, omaferrors.New("SubsegmentRequest", omaferrors.NotSupported)
	}
	if len(d.sidx) == 0 {
		return Request{}, omaferrors.New("SubsegmentRequest", omaferrors.NotReady)
	}
	id, err := d.CalculateSegmentID(ptsUS)
	if err != nil {
		return Request{}, err
	}
	start := d.sidx[id].ByteRange.Start
	end := d.sidx[len(d.sidx)-1].ByteRange.End
	return Request{SegmentID: id, URL: mediaBaseURL, ByteRange: segment.ByteRange{Start: start, End: end}}, nil
}

// MarkCompletion transitions the state machine after an HTTP
// completion. On failure, the driver re-arms currentSegmentID to the
// failing id and transitions to Retry, bounded by maxRetries.
func (d *Driver) MarkCompletion(failedID segment.ID, failed bool, lastSegment bool) error {
	if failed {
		d.retryCount++
		if d.retryCount > maxRetries {
			d.state = Error
			return omaferrors.New("MarkCompletion", omaferrors.NetworkAccessFailed)
		}
		d.state = Retry
		d.currentSegmentID = failedID
		return nil
	}
	d.retryCount = 0
	if lastSegment {
		d.state = EndOfStream
		return nil
	}
	d.state = Idle
	return nil
}

func resolveNumberTemplate(pattern, base string, nr uint64) string {
	s := strings.ReplaceAll(pattern, "$Number$", strconv.FormatUint(nr, 10))
	return base + s
}

func resolveTimeTemplate(pattern, base string, t uint64) string {
	s := strings.ReplaceAll(pattern, "$Time$", strconv.FormatUint(t, 10))
	return base + s
}
