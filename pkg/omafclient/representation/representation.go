// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package representation implements the per-representation state
// machine of spec §4.2: it owns a segment-stream driver, tracks
// download/buffering state, and feeds arrived segments to the
// ISOBMFF parser adapter that produces decodable samples.
package representation

import (
	"log/slog"
	"math"
	"sync"

	"github.com/nokiatech/omaf-sub001/pkg/omafclient/driver"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/isobmff"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/mpdmodel"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// State is the representation state machine of spec §4.2.
type State int

const (
	Idle State = iota
	Downloading
	Buffering
	EndOfStream
	ErrorState
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Downloading:
		return "downloading"
	case Buffering:
		return "buffering"
	case EndOfStream:
		return "end_of_stream"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// rateWindowSize is the download-rate moving-average window, grounded
// on NVRDashRepresentation.cpp's 3-segment smoothing (SPEC_FULL.md
// supplemented feature 4).
const rateWindowSize = 3

// minCachedSegments is the floor of spec §5's max_cached formula.
const minCachedSegments = 2

// ParserAdapter is the slice of isobmff.Adapter a Representation
// depends on. Accepting the interface rather than the concrete type
// keeps this package decoupled from ISOBMFF parsing details and lets
// callers (and tests, in-package or not) substitute a double without
// real box data. *isobmff.Adapter satisfies this interface.
type ParserAdapter interface {
	OpenInitialization(streamID isobmff.StreamID, seg *segment.Segment) error
	AddSegment(streamID isobmff.StreamID, seg *segment.Segment) error
	SeekToUs(streamID isobmff.StreamID, targetUS int64, accuracy isobmff.AccuracyHint, dir isobmff.SeekDirection) (int64, error)
	ReleaseSegmentsUntil(segmentID segment.ID)
	AddSegmentIndex(initSegmentID string, seg *segment.Segment) error
	SidxEntries(initSegmentID string) ([]isobmff.SidxEntry, bool)
}

// Representation drives one MPD representation's segment stream.
type Representation struct {
	mu sync.Mutex

	log    *slog.Logger
	Config mpdmodel.RepresentationConfig

	// StreamID is this representation's elementary-stream handle. It is
	// tied to the owning AdaptationSet, not the representation (spec
	// §3): on an ABR switch the newly-current representation keeps the
	// id that was assigned when the set was first initialized.
	StreamID isobmff.StreamID

	drv     *driver.Driver
	adapter ParserAdapter

	state State

	lastSegmentID segment.ID
	nextSegmentID segment.ID
	totalSegments int // 0 if unknown (dynamic)

	bufferingTimeUS   int64
	segmentDurationUS int64

	initialized bool

	rateSamples []float64 // bits per second, most recent last
	lastErr     error

	deferredSeekUS *int64

	// contentType and enhancementLayer classify this representation for
	// the download-rate feedback check of spec §4.3: only video
	// representations are checked, and the issue reported differs for
	// the base layer vs. an enhancement/tile layer. Set once by the
	// pipeline builder after construction.
	contentType      string
	enhancementLayer bool

	// preBufferTargetSegments and bufferedSegmentCount implement the
	// on-demand pre-buffer gate of spec.md:160: 0 for representations
	// with no target, so IsPreBuffered is vacuously true for them.
	preBufferTargetSegments int
	bufferedSegmentCount    int
}

// New builds a Representation around an already-constructed driver and
// a shared parser adapter (shared across an adaptation set's
// representations so that the stream id's sample queue survives ABR
// switches).
func New(log *slog.Logger, cfg mpdmodel.RepresentationConfig, streamID isobmff.StreamID,
	drv *driver.Driver, adapter ParserAdapter, bufferingTimeUS, segmentDurationUS int64, preBufferTargetSegments int) *Representation {
	if log == nil {
		log = slog.Default()
	}
	return &Representation{
		log:                     log,
		Config:                  cfg,
		StreamID:                streamID,
		drv:                     drv,
		adapter:                 adapter,
		state:                   Idle,
		bufferingTimeUS:         bufferingTimeUS,
		segmentDurationUS:       segmentDurationUS,
		preBufferTargetSegments: preBufferTargetSegments,
	}
}

// State returns the current state-machine value.
func (r *Representation) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastSegmentID returns the highest segment id accepted so far.
func (r *Representation) LastSegmentID() segment.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSegmentID
}

// maxCachedSegments implements spec §5's resource bound:
// max(2, ceil(buffering_time / segment_duration)), clamped to the
// representation's total segment count when known.
func (r *Representation) maxCachedSegments() int {
	if r.segmentDurationUS <= 0 {
		return minCachedSegments
	}
	n := int(math.Ceil(float64(r.bufferingTimeUS) / float64(r.segmentDurationUS)))
	if n < minCachedSegments {
		n = minCachedSegments
	}
	if r.totalSegments > 0 && n > r.totalSegments {
		n = r.totalSegments
	}
	return n
}

// StartDownload begins sequential fetches from startTimeUS (idle ->
// downloading).
func (r *Representation) StartDownload(startTimeUS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.drv.CalculateSegmentID(startTimeUS)
	if err != nil {
		r.state = ErrorState
		r.lastErr = err
		return err
	}
	return r.startFromLocked(id)
}

// StartDownloadFrom resumes at a specific segment id; any cached
// segments with id >= segmentID are reused by the parser adapter,
// older ones are discarded.
func (r *Representation) StartDownloadFrom(id segment.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startFromLocked(id)
}

func (r *Representation) startFromLocked(id segment.ID) error {
	if err := r.drv.StartFrom(id); err != nil {
		r.state = ErrorState
		r.lastErr = err
		return err
	}
	r.nextSegmentID = id
	if id > 0 {
		r.adapter.ReleaseSegmentsUntil(id - 1)
	}
	r.state = Downloading
	return nil
}

// StartDownloadWithOverride implements the ABR/viewport switch entry
// point of spec §4.2: it computes the segment id from ptsUS when the
// driver supports seekable indexing, otherwise falls back to
// fallbackID, and arms a deferred seek so that once the first segment
// of the new download run arrives the parser is repositioned to ptsUS.
func (r *Representation) StartDownloadWithOverride(ptsUS int64, fallbackID segment.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.drv.CalculateSegmentID(ptsUS)
	if err != nil {
		id = fallbackID
	}
	if err := r.startFromLocked(id); err != nil {
		return err
	}
	seek := ptsUS
	r.deferredSeekUS = &seek
	return nil
}

// StopDownload stops synchronously.
func (r *Representation) StopDownload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drv.Stop()
	r.state = Idle
}

// StopDownloadAsync posts a stop request; when reset is true the
// caller is additionally expected to flush queued decoder packets for
// r.StreamID (the representation itself holds no decoder handle).
func (r *Representation) StopDownloadAsync(reset bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drv.StopAsync(reset)
	r.state = Idle
}

// NextRequest returns the next fetch to issue, or ok=false if the
// driver must wait (e.g. a dynamic driver behind its stream-head
// delay).
func (r *Representation) NextRequest(mediaBaseURL string) (driver.Request, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drv.NextRequest(mediaBaseURL)
}

// InitRequest returns the fetch for this representation's
// initialization segment, issued once before the first NextRequest.
func (r *Representation) InitRequest(mediaBaseURL string) driver.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drv.InitRequest(mediaBaseURL)
}

// OnInitSegmentArrived runs the segment acceptance protocol's first
// step: when not yet initialized, the init segment is parsed and
// stream handles assigned. If the caller pre-assigned StreamID
// (extractor-bundle members do, to keep the decoder's stream identity
// stable across internal ABR switches), that id is kept rather than
// reassigned.
func (r *Representation) OnInitSegmentArrived(seg *segment.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if err := r.adapter.OpenInitialization(r.StreamID, seg); err != nil {
		r.state = ErrorState
		r.lastErr = err
		return err
	}
	if r.drv.Kind == driver.OnDemand {
		r.adoptSidxLocked(seg)
	}
	r.initialized = true
	return nil
}

// adoptSidxLocked parses the sidx box out of the same byte-range blob
// the init fetch returned and hands the resulting subsegment table to
// the on-demand driver. A window too small to have captured the full
// sidx, or a single-entry sidx, leaves the driver's table empty. The
// sidx is read only here: once initialized, OnInitSegmentArrived
// ignores later init segments, and no caller grows the window with
// driver.GrowSidxWindow and re-fetches, so the table then stays empty.
func (r *Representation) adoptSidxLocked(seg *segment.Segment) {
	if err := r.adapter.AddSegmentIndex(seg.InitSegmentID, seg); err != nil {
		r.log.Debug("sidx not available from init window", "representation", r.Config.ID, "err", err)
		return
	}
	entries, ok := r.adapter.SidxEntries(seg.InitSegmentID)
	if !ok {
		return
	}
	driverEntries := make([]driver.SidxEntry, len(entries))
	for i, e := range entries {
		driverEntries[i] = driver.SidxEntry{
			EarliestPTS: e.EarliestPTS,
			ByteRange:   e.ByteRange,
			DurationUS:  e.DurationUS,
		}
	}
	r.drv.AdoptSidx(driverEntries, false)
	r.totalSegments = len(driverEntries)
}

// OnSegmentArrived runs the remainder of the segment acceptance
// protocol: registers the media segment with the parser adapter,
// records the download-rate sample, advances lastSegmentID, applies
// any deferred seek, and updates the state machine.
func (r *Representation) OnSegmentArrived(seg *segment.Segment, downloadDurationMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.adapter.AddSegment(r.StreamID, seg); err != nil {
		r.state = ErrorState
		r.lastErr = err
		return err
	}
	r.recordRateLocked(seg.Size(), downloadDurationMS)
	if seg.ID >= r.lastSegmentID || r.lastSegmentID == 0 {
		r.lastSegmentID = seg.ID
	}
	r.bufferedSegmentCount++

	if r.deferredSeekUS != nil {
		target := *r.deferredSeekUS
		r.deferredSeekUS = nil
		if _, err := r.adapter.SeekToUs(r.StreamID, target, isobmff.FrameAccurate, isobmff.SeekForward); err != nil {
			r.log.Warn("deferred seek failed", "err", err, "streamId", r.StreamID)
		}
	}

	if r.drv.IsLastSegment() {
		r.state = EndOfStream
	} else {
		r.state = Downloading
	}

	// Enforce the resource bound: drop segments older than the cache
	// window relative to the one just accepted.
	max := r.maxCachedSegments()
	if int64(seg.ID) >= int64(max) {
		r.adapter.ReleaseSegmentsUntil(segment.ID(int64(seg.ID) - int64(max) + 1))
	}
	return nil
}

// OnSegmentFailed records a failed HTTP completion against the driver,
// which applies the bounded retry policy of spec §4.4.
func (r *Representation) OnSegmentFailed(id segment.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.drv.MarkCompletion(id, true, false); err != nil {
		r.state = ErrorState
		r.lastErr = err
		return err
	}
	return nil
}

func (r *Representation) recordRateLocked(sizeBytes int, durationMS int64) {
	if durationMS <= 0 {
		return
	}
	bps := float64(sizeBytes*8) / (float64(durationMS) / 1000.0)
	r.rateSamples = append(r.rateSamples, bps)
	if len(r.rateSamples) > rateWindowSize {
		r.rateSamples = r.rateSamples[len(r.rateSamples)-rateWindowSize:]
	}
}

// DownloadRateBps returns the moving-average download rate over the
// last rateWindowSize segments, in bits per second. Returns 0 until at
// least one sample has been recorded.
func (r *Representation) DownloadRateBps() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rateSamples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.rateSamples {
		sum += v
	}
	return sum / float64(len(r.rateSamples))
}

// LastError returns the error that moved this representation into
// ErrorState, if any.
func (r *Representation) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// SetStreamID reassigns the elementary-stream handle this
// representation feeds, used by the viewpoint-switch protocol (spec
// §4.5) to hand the outgoing viewpoint's decoder stream id to the
// incoming one's representations so the decoder can flush cleanly
// instead of opening a new stream.
func (r *Representation) SetStreamID(id isobmff.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StreamID = id
}

// SetTotalSegments records the total segment count once known (static
// drivers learn it from the MPD or sidx table), tightening the cache
// bound of maxCachedSegments.
func (r *Representation) SetTotalSegments(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSegments = n
}

// SetDownloadRateProfile records this representation's content type and
// whether it belongs to an enhancement/tile layer rather than the base
// layer, for the caller's download-rate feedback check (spec §4.3).
func (r *Representation) SetDownloadRateProfile(contentType string, enhancementLayer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contentType = contentType
	r.enhancementLayer = enhancementLayer
}

// ContentType returns the media-content descriptor set by
// SetDownloadRateProfile ("video", "audio", "text"), or "" if never set.
func (r *Representation) ContentType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentType
}

// IsEnhancementLayer reports whether this representation was classified
// as an enhancement/tile layer rather than the base layer.
func (r *Representation) IsEnhancementLayer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enhancementLayer
}

// SegmentDurationUS returns the nominal segment duration used to derive
// maxCachedSegments and the download-rate ratio.
func (r *Representation) SegmentDurationUS() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segmentDurationUS
}

// IsPreBuffered reports whether this representation has buffered at
// least its pre-buffer target segment count (spec.md:160's on-demand
// pre-buffer gate). Representations built with no target (everything
// but on-demand) are vacuously pre-buffered.
func (r *Representation) IsPreBuffered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferedSegmentCount >= r.preBufferTargetSegments
}
