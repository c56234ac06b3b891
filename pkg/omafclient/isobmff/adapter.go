// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package isobmff wraps the Eyevinn/mp4ff ISOBMFF reader into the
// segment parser adapter described in spec §4.1: it turns a stream of
// opaque segment byte blobs into per-track sample enumerations and
// decodable packets.
package isobmff

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// StreamID identifies one elementary stream inside the adapter's track
// registry, matching the representation's assigned stream_id.
type StreamID uint32

// AccuracyHint controls how SeekToUs resolves the target sample.
type AccuracyHint int

const (
	FrameAccurate AccuracyHint = iota
	NearestSyncFrame
)

// SeekDirection biases NearestSyncFrame resolution.
type SeekDirection int

const (
	SeekBackward SeekDirection = iota
	SeekForward
)

// Packet is a single decodable sample, annotated for the decoder
// boundary as specified in §4.1.
type Packet struct {
	StreamID      StreamID
	PresentationUS int64
	DurationUS     int64
	Data           []byte
	IsSync         bool
	ConfigChanged  bool
	SampleDescIdx  uint32
}

// sampleEntry is the adapter's internal per-sample bookkeeping record,
// built by walking mp4ff's Fragment/Trun boxes.
type sampleEntry struct {
	segmentID      segment.ID
	presentationUS int64
	durationUS     int64
	isSync         bool
	sampleDescIdx  uint32
	data           []byte
}

type trackState struct {
	streamID      StreamID
	trackID       uint32
	timescale     uint64
	init          *mp4.InitSegment
	sampleDesc    uint32
	samples       []sampleEntry
	readCursor    int
	segments      map[segment.ID]*segment.Segment
	activeBaseMS  int64
}

// Adapter is the segment parser adapter. One Adapter may be shared by a
// media representation and its associated timed-metadata
// representation, per spec §4.1's ownership rules; every exported
// method is safe to call concurrently, guarded by a single mutex held
// across adapter calls and read_frame, matching the concurrency model
// of spec §5.
type Adapter struct {
	mu     sync.Mutex
	log    *slog.Logger
	tracks map[StreamID]*trackState
	// initSegByID allows init idempotency checks keyed by the
	// representation's init_segment_id.
	initSegByID map[string]bool
	// pendingSidx stores per-segment sidx entries for drivers that need
	// calculateSegmentId / sub-segment byte ranges.
	pendingSidx map[string][]SidxEntry
}

// SidxEntry is one subsegment entry parsed from a sidx box.
type SidxEntry struct {
	EarliestPTS int64 // in microseconds
	ByteRange   segment.ByteRange
	DurationUS  int64
}

// NewAdapter creates an empty adapter.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:         log,
		tracks:      make(map[StreamID]*trackState),
		initSegByID: make(map[string]bool),
		pendingSidx: make(map[string][]SidxEntry),
	}
}

// OpenInitialization parses moov and establishes a track, idempotently
// per seg.InitSegmentID. streamID is caller-assigned so that extractor
// bundles can pre-assign a stable stream_id across ABR switches (spec
// §4.2 "Segment acceptance" step 1).
func (a *Adapter) OpenInitialization(streamID StreamID, seg *segment.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initSegByID[seg.InitSegmentID] {
		if _, ok := a.tracks[streamID]; ok {
			return nil // idempotent
		}
	}
	sr := bits.NewFixedSliceReader(seg.Data)
	f, err := mp4.DecodeFileSR(sr)
	if err != nil {
		return omaferrors.Wrap("OpenInitialization", omaferrors.InvalidData, err)
	}
	if f.Init == nil || f.Init.Moov == nil {
		return omaferrors.New("OpenInitialization", omaferrors.InvalidData)
	}
	trak := f.Init.Moov.Trak
	if trak == nil {
		return omaferrors.New("OpenInitialization", omaferrors.InvalidData)
	}
	ts := trackState{
		streamID:  streamID,
		trackID:   trak.Tkhd.TrackID,
		timescale: uint64(trak.Mdia.Mdhd.Timescale),
		init:      f.Init,
		segments:  make(map[segment.ID]*segment.Segment),
	}
	a.tracks[streamID] = &ts
	a.initSegByID[seg.InitSegmentID] = true
	a.log.Debug("opened initialization segment", "streamID", streamID, "trackID", ts.trackID, "timescale", ts.timescale)
	return nil
}

// trex returns the default-sample-duration box for a track's init
// segment, or nil if absent (fragments must then carry their own
// tfhd default duration).
func trex(init *mp4.InitSegment) *mp4.TrexBox {
	if init != nil && init.Moov != nil && init.Moov.Mvex != nil {
		return init.Moov.Mvex.Trex
	}
	return nil
}

// AddSegment parses moof+mdat for seg.InitSegmentID and appends samples
// to the per-track table. Fails InvalidState if the init segment for
// this stream has not been opened yet.
func (a *Adapter) AddSegment(streamID StreamID, seg *segment.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tracks[streamID]
	if !ok {
		return omaferrors.New("AddSegment", omaferrors.InvalidState)
	}

	sr := bits.NewFixedSliceReader(seg.Data)
	f, err := mp4.DecodeFileSR(sr)
	if err != nil {
		return omaferrors.Wrap("AddSegment", omaferrors.InvalidData, err)
	}
	if len(f.Segments) != 1 {
		return omaferrors.Wrap("AddSegment", omaferrors.InvalidData,
			fmt.Errorf("expected 1 segment, got %d", len(f.Segments)))
	}
	ms := f.Segments[0]

	// §4.1 timestamp base: swap the active base when this segment
	// carries a different one, so client-visible time stays monotone
	// across loop restarts and viewpoint transitions.
	if seg.TimestampBaseMS != ts.activeBaseMS {
		ts.activeBaseMS = seg.TimestampBaseMS
	}
	base := ts.activeBaseMS

	tr := trex(ts.init)
	for _, frag := range ms.Fragments {
		if frag.Moof == nil || frag.Moof.Traf == nil {
			continue
		}
		fullSamples, err := frag.GetFullSamples(tr)
		if err != nil {
			return omaferrors.Wrap("AddSegment", omaferrors.InvalidData, err)
		}
		sdIdx := ts.sampleDesc
		if frag.Moof.Traf.Tfhd != nil && frag.Moof.Traf.Tfhd.HasSampleDescriptionIndex() {
			sdIdx = frag.Moof.Traf.Tfhd.SampleDescriptionIndex
		}
		ts.sampleDesc = sdIdx

		for _, fs := range fullSamples {
			durUS := scaleToUS(int64(fs.Dur), ts.timescale)
			ptsUS := base*1000 + scaleToUS(int64(fs.DecodeTime)+int64(fs.Sample.CompositionTimeOffset), ts.timescale)
			entry := sampleEntry{
				segmentID:      seg.ID,
				presentationUS: ptsUS,
				durationUS:     durUS,
				isSync:         fs.IsSync(),
				sampleDescIdx:  sdIdx,
				data:           fs.Data,
			}
			ts.samples = append(ts.samples, entry)
		}
	}
	ts.segments[seg.ID] = seg
	a.log.Debug("added media segment", "streamID", streamID, "segmentID", seg.ID, "samples", len(ms.Fragments))
	return nil
}

func scaleToUS(v int64, timescale uint64) int64 {
	if timescale == 0 {
		return 0
	}
	return v * 1_000_000 / int64(timescale)
}

// AddSegmentIndex parses a sidx box and stores its subsegment table,
// keyed by the enclosing representation's init segment id. Fails
// NotSupported on a single-element sidx (§4.1).
func (a *Adapter) AddSegmentIndex(initSegmentID string, seg *segment.Segment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sr := bits.NewFixedSliceReader(seg.Data)
	f, err := mp4.DecodeFileSR(sr)
	if err != nil {
		return omaferrors.Wrap("AddSegmentIndex", omaferrors.InvalidData, err)
	}
	if len(f.Segments) == 0 || f.Segments[0].Sidx == nil {
		return omaferrors.New("AddSegmentIndex", omaferrors.InvalidData)
	}
	sidx := f.Segments[0].Sidx
	if len(sidx.SidxRefs) <= 1 {
		return omaferrors.New("AddSegmentIndex", omaferrors.NotSupported)
	}
	entries := make([]SidxEntry, 0, len(sidx.SidxRefs))
	offset := int64(sidx.FirstOffset)
	earliest := int64(sidx.EarliestPresentationTime)
	for _, ref := range sidx.SidxRefs {
		durUS := scaleToUS(int64(ref.SubsegmentDuration), uint64(sidx.Timescale))
		entries = append(entries, SidxEntry{
			EarliestPTS: scaleToUS(earliest, uint64(sidx.Timescale)),
			ByteRange:   segment.ByteRange{Start: offset, End: offset + int64(ref.ReferencedSize) - 1},
			DurationUS:  durUS,
		})
		offset += int64(ref.ReferencedSize)
		earliest += int64(ref.SubsegmentDuration)
	}
	a.pendingSidx[initSegmentID] = entries
	return nil
}

// SidxEntries returns the previously parsed sidx table for an init
// segment id, if any.
func (a *Adapter) SidxEntries(initSegmentID string) ([]SidxEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.pendingSidx[initSegmentID]
	return e, ok
}

// ReadFrame returns the next sample for streamID at or after now_us is
// not enforced here (pacing is the reader's responsibility); it simply
// advances the per-stream cursor. Returns omaferrors.EndOfFile when no
// more samples are buffered.
func (a *Adapter) ReadFrame(streamID StreamID, nowUS int64) (Packet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tracks[streamID]
	if !ok {
		return Packet{}, omaferrors.New("ReadFrame", omaferrors.NotInitialized)
	}
	if ts.readCursor >= len(ts.samples) {
		return Packet{}, omaferrors.New("ReadFrame", omaferrors.EndOfFile)
	}
	e := ts.samples[ts.readCursor]
	if _, ok := ts.segments[e.segmentID]; !ok {
		return Packet{}, omaferrors.New("ReadFrame", omaferrors.InvalidState)
	}
	configChanged := ts.readCursor == 0 || (ts.readCursor > 0 && ts.samples[ts.readCursor-1].sampleDescIdx != e.sampleDescIdx)
	pkt := Packet{
		StreamID:       streamID,
		PresentationUS: e.presentationUS,
		DurationUS:     e.durationUS,
		IsSync:         e.isSync,
		ConfigChanged:  configChanged,
		SampleDescIdx:  e.sampleDescIdx,
		Data:           e.data,
	}
	ts.readCursor++
	return pkt, nil
}

// SeekToUs resolves the sample at or before targetUS for streamID. When
// accuracy is NearestSyncFrame, it then advances to the nearest sync
// sample in the requested direction. Returns the actual resolved time.
func (a *Adapter) SeekToUs(streamID StreamID, targetUS int64, accuracy AccuracyHint, dir SeekDirection) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tracks[streamID]
	if !ok {
		return 0, omaferrors.New("SeekToUs", omaferrors.NotInitialized)
	}
	idx := -1
	for i, e := range ts.samples {
		if e.presentationUS <= targetUS {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		if len(ts.samples) == 0 {
			return 0, omaferrors.New("SeekToUs", omaferrors.NotReady)
		}
		idx = 0
	}
	if accuracy == NearestSyncFrame {
		idx = nearestSync(ts.samples, idx, dir)
	}
	ts.readCursor = idx
	return ts.samples[idx].presentationUS, nil
}

func nearestSync(samples []sampleEntry, from int, dir SeekDirection) int {
	if dir == SeekBackward {
		for i := from; i >= 0; i-- {
			if samples[i].isSync {
				return i
			}
		}
		return from
	}
	for i := from; i < len(samples); i++ {
		if samples[i].isSync {
			return i
		}
	}
	return from
}

// ResolveAssociatedTime advances a timed-metadata stream's cursor to
// the first sample with presentation time >= resolvedUS, per spec §4.1
// ("metadata streams follow the media stream's resolved time") and
// testable scenario S6.
func (a *Adapter) ResolveAssociatedTime(streamID StreamID, resolvedUS int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.tracks[streamID]
	if !ok {
		return omaferrors.New("ResolveAssociatedTime", omaferrors.NotInitialized)
	}
	for i, e := range ts.samples {
		if e.presentationUS >= resolvedUS {
			ts.readCursor = i
			return nil
		}
	}
	ts.readCursor = len(ts.samples)
	return nil
}

// ReleaseSegmentsUntil invalidates every cached segment strictly older
// than segmentID, for every registered track.
func (a *Adapter) ReleaseSegmentsUntil(segmentID segment.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ts := range a.tracks {
		for id := range ts.segments {
			if id < segmentID {
				delete(ts.segments, id)
			}
		}
		kept := ts.samples[:0:0]
		for _, e := range ts.samples {
			if e.segmentID >= segmentID {
				kept = append(kept, e)
			}
		}
		drop := len(ts.samples) - len(kept)
		ts.samples = kept
		if ts.readCursor > drop {
			ts.readCursor -= drop
		} else {
			ts.readCursor = 0
		}
	}
}

// ReleaseAllSegments flushes every cached segment; when resetInit is
// true, also forgets the init segment so it must be re-fetched on
// resume.
func (a *Adapter) ReleaseAllSegments(streamID StreamID, resetInit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.tracks[streamID]
	if !ok {
		return
	}
	ts.samples = nil
	ts.readCursor = 0
	ts.segments = make(map[segment.ID]*segment.Segment)
	if resetInit {
		delete(a.tracks, streamID)
	}
}

// HasInit reports whether a track's init segment has been parsed.
func (a *Adapter) HasInit(streamID StreamID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tracks[streamID]
	return ok
}
