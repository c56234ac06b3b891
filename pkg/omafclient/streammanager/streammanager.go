// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package streammanager implements the media stream manager of spec
// §4.5: it aggregates adaptation sets into the active presentation,
// exposes stream handles and source-geometry to the renderer, and
// drives the per-frame pull and viewpoint-switch protocols.
package streammanager

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/adaptationset"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/geometry"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/isobmff"
)

// frameReader is the narrow slice of isobmff.Adapter the manager needs
// to pull decodable samples once a representation has registered
// segments with it. Accepting the interface, not *isobmff.Adapter,
// keeps this package testable without real box data.
type frameReader interface {
	ReadFrame(streamID isobmff.StreamID, nowUS int64) (isobmff.Packet, error)
}

// VideoBundle is one extractor-set video presentation within a
// viewpoint: its own-track adaptation set (which may itself be a plain
// Baseline set for non-tiled content, or an Extractor bundle for tiled
// content), the elementary-stream id the decoder currently associates
// with it, and the projection/packing descriptor the renderer needs to
// composite it (spec §3 "Source").
type VideoBundle struct {
	Set      *adaptationset.AdaptationSet
	StreamID isobmff.StreamID
	Source   *geometry.Source
}

// Viewpoint groups the adaptation sets that together form one
// spatial vantage point (spec §4.5 "which bundle is active").
type Viewpoint struct {
	ID           string
	VideoBundles []*VideoBundle
	AudioSets    []*adaptationset.AdaptationSet
	MetadataSets []*adaptationset.AdaptationSet
}

// VideoStream is one entry of GetVideoStreams: the decoder-facing
// handle paired with the geometry the renderer composites it against.
type VideoStream struct {
	StreamID isobmff.StreamID
	Source   *geometry.Source
}

// Manager holds the active viewpoint set and runs the per-frame pull
// and viewpoint-switch protocols of spec §4.5.
type Manager struct {
	mu sync.Mutex

	log    *slog.Logger
	reader frameReader

	viewpoints []*Viewpoint
	activeIdx  int
}

// New builds an empty Manager. reader is the shared parser adapter
// every representation feeds segments into.
func New(log *slog.Logger, reader frameReader) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, reader: reader, activeIdx: -1}
}

// AddViewpoint registers a viewpoint. The first one registered becomes
// active.
func (m *Manager) AddViewpoint(vp *Viewpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewpoints = append(m.viewpoints, vp)
	if m.activeIdx < 0 {
		m.activeIdx = 0
	}
}

func (m *Manager) activeLocked() (*Viewpoint, error) {
	if m.activeIdx < 0 || m.activeIdx >= len(m.viewpoints) {
		return nil, omaferrors.New("streammanager", omaferrors.NotReady)
	}
	return m.viewpoints[m.activeIdx], nil
}

// GetVideoStreams returns the active viewpoint's video stream handles.
func (m *Manager) GetVideoStreams() ([]VideoStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vp, err := m.activeLocked()
	if err != nil {
		return nil, err
	}
	out := make([]VideoStream, 0, len(vp.VideoBundles))
	for _, vb := range vp.VideoBundles {
		out = append(out, VideoStream{StreamID: vb.StreamID, Source: vb.Source})
	}
	return out, nil
}

// GetAudioStreams returns the active viewpoint's audio stream ids, one
// per adaptation set's currently selected representation.
func (m *Manager) GetAudioStreams() ([]isobmff.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vp, err := m.activeLocked()
	if err != nil {
		return nil, err
	}
	return currentStreamIDs(vp.AudioSets), nil
}

// GetMetadataStreams returns the active viewpoint's timed-metadata
// stream ids.
func (m *Manager) GetMetadataStreams() ([]isobmff.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vp, err := m.activeLocked()
	if err != nil {
		return nil, err
	}
	return currentStreamIDs(vp.MetadataSets), nil
}

func currentStreamIDs(sets []*adaptationset.AdaptationSet) []isobmff.StreamID {
	out := make([]isobmff.StreamID, 0, len(sets))
	for _, s := range sets {
		if cur := s.Current(); cur != nil {
			out = append(out, cur.StreamID)
		}
	}
	return out
}

// GetVideoSourceTypes returns the projection/packing descriptor for
// every video bundle in the active viewpoint, in GetVideoStreams order.
func (m *Manager) GetVideoSourceTypes() ([]*geometry.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vp, err := m.activeLocked()
	if err != nil {
		return nil, err
	}
	out := make([]*geometry.Source, 0, len(vp.VideoBundles))
	for _, vb := range vp.VideoBundles {
		out = append(out, vb.Source)
	}
	return out, nil
}

// ReadVideoFrames pulls the next frame of each active viewpoint's video
// stream, passing nowUS through to the reader, which does not pace by
// it. A stream with no sample ready (EndOfFile) is simply skipped
// rather than failing the whole pull.
func (m *Manager) ReadVideoFrames(nowUS int64) ([]isobmff.Packet, error) {
	m.mu.Lock()
	vp, err := m.activeLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ids := make([]isobmff.StreamID, len(vp.VideoBundles))
	for i, vb := range vp.VideoBundles {
		ids[i] = vb.StreamID
	}
	m.mu.Unlock()
	return m.pullFrames(ids, nowUS)
}

// ReadAudioFrames pulls one frame per active viewpoint's audio stream.
// now_us is not meaningful for audio (spec §4.5 names it readAudioFrames()
// with no time argument): audio is paced by its own decode queue, so
// frames are simply pulled in arrival order.
func (m *Manager) ReadAudioFrames() ([]isobmff.Packet, error) {
	m.mu.Lock()
	vp, err := m.activeLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ids := currentStreamIDs(vp.AudioSets)
	m.mu.Unlock()
	return m.pullFrames(ids, 0)
}

// ReadMetadata pulls the next timed-metadata sample of each active
// metadata stream, passing nowUS through to the reader, which does not
// pace by it.
func (m *Manager) ReadMetadata(nowUS int64) ([]isobmff.Packet, error) {
	m.mu.Lock()
	vp, err := m.activeLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ids := currentStreamIDs(vp.MetadataSets)
	m.mu.Unlock()
	return m.pullFrames(ids, nowUS)
}

func (m *Manager) pullFrames(ids []isobmff.StreamID, nowUS int64) ([]isobmff.Packet, error) {
	out := make([]isobmff.Packet, 0, len(ids))
	for _, id := range ids {
		pkt, err := m.reader.ReadFrame(id, nowUS)
		if err != nil {
			if omaferrors.Is(err, omaferrors.EndOfFile) || omaferrors.Is(err, omaferrors.NotInitialized) {
				continue
			}
			return out, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

// SwitchViewpoint runs spec §4.5's viewpoint-switch protocol: stop the
// old viewpoint's video bundles asynchronously, start the new
// viewpoint's from a segment id that preserves presentationUS,
// reassign the decoder stream ids the old bundles held to the new
// bundles' representations, and make the new viewpoint active so that
// subsequent GetVideoStreams/GetVideoSourceTypes calls publish its
// sources.
func (m *Manager) SwitchViewpoint(index int, presentationUS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.viewpoints) {
		return omaferrors.New("SwitchViewpoint", omaferrors.ItemNotFound)
	}
	if index == m.activeIdx {
		return nil
	}
	old, err := m.activeLocked()
	if err != nil {
		return err
	}
	next := m.viewpoints[index]
	correlationID := uuid.New().String()

	if len(old.VideoBundles) != len(next.VideoBundles) {
		return omaferrors.New("SwitchViewpoint", omaferrors.InvalidState)
	}

	for i, oldVB := range old.VideoBundles {
		for _, rep := range oldVB.Set.Representations() {
			rep.StopDownloadAsync(true)
		}

		newVB := next.VideoBundles[i]
		keepStreamID := oldVB.StreamID
		for _, rep := range newVB.Set.Representations() {
			rep.SetStreamID(keepStreamID)
			fallback := rep.LastSegmentID() + 1
			if err := rep.StartDownloadWithOverride(presentationUS, fallback); err != nil {
				return fmt.Errorf("streammanager: switch %s: start viewpoint %q bundle: %w", correlationID, next.ID, err)
			}
		}
		newVB.StreamID = keepStreamID
	}

	m.activeIdx = index
	m.log.Info("viewpoint switched", "correlationId", correlationID, "from", old.ID, "to", next.ID, "presentationUs", presentationUS)
	return nil
}

// ActiveViewpointID returns the id of the currently active viewpoint.
func (m *Manager) ActiveViewpointID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vp, err := m.activeLocked()
	if err != nil {
		return "", err
	}
	return vp.ID, nil
}
