// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package segment defines the Segment data model shared by the drivers,
// the segment parser adapter and the representation state machine.
package segment

// ID identifies a media segment within one representation's sequence.
// Segment ids are strictly monotone within a representation; see
// property 1 of the testable invariants.
type ID uint64

// ByteRange is an inclusive byte offset range inside an enclosing file,
// used by on-demand (sidx) sub-segment fetches. An empty ByteRange (the
// zero value, or End < Start) means "whole resource".
type ByteRange struct {
	Start int64
	End   int64 // inclusive
}

// Empty reports whether the range covers no bytes, i.e. this segment
// was not fetched via a byte-range request.
func (r ByteRange) Empty() bool { return r.End < r.Start || r == ByteRange{} }

// Len returns the number of bytes covered, or 0 if Empty.
func (r ByteRange) Len() int64 {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start + 1
}

// ContentDescriptor names the logical stream a segment belongs to, for
// routing inside the parser adapter and the extractor concatenation
// protocol.
type ContentDescriptor struct {
	RepresentationID string
	ContentType      string // "video", "audio", "text" (timed metadata)
}

// Segment is a contiguous byte blob identified by (InitSegmentID, ID),
// as defined in spec §3. It is created by a driver on successful HTTP
// completion and handed, borrowed, to the parser adapter.
type Segment struct {
	InitSegmentID string
	ID            ID
	ByteRange     ByteRange
	IsInit        bool

	// TimestampBaseMS is added to every sample timestamp parsed from
	// this segment; used for looping and viewpoint switches.
	TimestampBaseMS int64

	Content ContentDescriptor

	Data []byte

	// DownloadDurationMS is the wall-clock time the HTTP fetch of Data
	// took.
	DownloadDurationMS int64
}

// Size returns the number of bytes carried by the segment.
func (s *Segment) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Data)
}

// Concat returns a new Segment whose Data is the byte-for-byte
// concatenation of the extractor's own segment followed by each
// supporting tile's segment, in bundle order, per spec §4.3 step 4. The
// timestamp base is inherited from the extractor segment.
func Concat(extractor *Segment, tiles []*Segment) *Segment {
	total := extractor.Size()
	for _, t := range tiles {
		total += t.Size()
	}
	buf := make([]byte, 0, total)
	buf = append(buf, extractor.Data...)
	for _, t := range tiles {
		buf = append(buf, t.Data...)
	}
	return &Segment{
		InitSegmentID:   extractor.InitSegmentID,
		ID:              extractor.ID,
		TimestampBaseMS: extractor.TimestampBaseMS,
		Content:         extractor.Content,
		Data:            buf,
	}
}
