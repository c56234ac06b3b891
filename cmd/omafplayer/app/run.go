// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"github.com/nokiatech/omaf-sub001/internal/telemetry"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/driver"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/mpdmodel"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/representation"
	"github.com/nokiatech/omaf-sub001/pkg/omafclient/segment"
)

// schedulerTick is how often the download scheduler revisits every
// representation to see whether the driver wants another fetch issued.
// Kept well under a typical segment duration so a dynamic driver's
// stream-head delay is reacted to quickly.
const schedulerTick = 200 * time.Millisecond

// frameTick is how often the frame-pull loop asks the streammanager for
// decodable output, matching the kind of poll cadence a real renderer
// would drive from its vsync callback.
const frameTick = 20 * time.Millisecond

// Player owns the running pipeline, HTTP client and background loops
// described in spec §4: it is the CLI-shell equivalent of
// cmd/livesim2/app.Server, minus the inbound HTTP surface (that is
// debugServer's job, not Player's).
type Player struct {
	log      *slog.Logger
	cfg      *PlayerConfig
	client   *http.Client
	metrics  *telemetry.Metrics
	Pipeline *Pipeline
	startUS  int64
}

// NewPlayer fetches and parses cfg.ManifestURL and builds the full
// pipeline, ready for Run.
func NewPlayer(log *slog.Logger, cfg *PlayerConfig, metrics *telemetry.Metrics) (*Player, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	pres, err := fetchAndParseMPD(client, cfg.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	pipeline, err := BuildPipeline(log, pres, int64(cfg.BufferingTimeMS)*1000, int64(cfg.PreBufferTargetMS)*1000)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &Player{
		log:      log,
		cfg:      cfg,
		client:   client,
		metrics:  metrics,
		Pipeline: pipeline,
	}, nil
}

func fetchAndParseMPD(client *http.Client, manifestURL string) (*mpdmodel.Presentation, error) {
	resp, err := client.Get(manifestURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	mpd, err := m.ReadFromString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse MPD: %w", err)
	}
	pres, err := mpdmodel.Parse(mpd, baseURLOf(manifestURL))
	if err != nil {
		return nil, err
	}
	if pres.BaseURL == "" {
		pres.BaseURL = baseURLOf(manifestURL)
	}
	return pres, nil
}

// baseURLOf returns the directory the manifest was served from, the
// fallback base for SegmentTemplate@media/@initialization when the MPD
// carries no explicit <BaseURL>.
func baseURLOf(manifestURL string) string {
	if idx := strings.LastIndex(manifestURL, "/"); idx >= 0 {
		return manifestURL[:idx+1]
	}
	return manifestURL
}

// Run starts the download scheduler and the frame-pull loop and blocks
// until ctx is cancelled.
func (p *Player) Run(ctx context.Context) error {
	for _, rep := range p.Pipeline.Representations() {
		p.fetchSegment(ctx, rep, rep.InitRequest(p.mediaBaseURLFor(rep)))
		if err := rep.StartDownload(p.startUS); err != nil {
			p.log.Warn("representation start failed", "representation", rep.Config.ID, "err", err)
		}
	}

	schedTicker := time.NewTicker(schedulerTick)
	defer schedTicker.Stop()
	frameTicker := time.NewTicker(frameTick)
	defer frameTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-schedTicker.C:
			p.pumpDownloads(ctx)
		case <-frameTicker.C:
			if p.allPreBuffered() {
				p.pumpFrames()
			}
		}
	}
}

// allPreBuffered reports whether every representation has reached its
// pre-buffer target (spec.md:160), gating on-demand playout start until
// then. Representations with no target (everything but on-demand) are
// vacuously satisfied.
func (p *Player) allPreBuffered() bool {
	for _, rep := range p.Pipeline.Representations() {
		if !rep.IsPreBuffered() {
			return false
		}
	}
	return true
}

// pumpDownloads drives every representation's segment-stream driver one
// step: issue the next HTTP request it wants, if any, and feed the
// result back through the segment-acceptance protocol of spec §4.2.
func (p *Player) pumpDownloads(ctx context.Context) {
	for _, rep := range p.Pipeline.Representations() {
		switch rep.State() {
		case representation.EndOfStream, representation.ErrorState:
			continue
		}
		req, ok, err := rep.NextRequest(p.mediaBaseURLFor(rep))
		if err != nil {
			p.log.Warn("next request failed", "representation", rep.Config.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		go p.fetchSegment(ctx, rep, req)
	}
}

// mediaBaseURLFor resolves the base URL a representation's segment
// request is relative to: the single-file URL for on-demand
// representations, or the presentation's base for templated ones.
func (p *Player) mediaBaseURLFor(rep *representation.Representation) string {
	if rep.Config.IsOnDemand {
		return rep.Config.MediaURLPrefix
	}
	return p.Pipeline.BaseURL
}

// fetchSegment issues req over HTTP and feeds the result through the
// representation's segment-acceptance protocol, recording telemetry
// either way.
func (p *Player) fetchSegment(ctx context.Context, rep *representation.Representation, req driver.Request) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		p.log.Warn("build request failed", "representation", rep.Config.ID, "err", err)
		p.Pipeline.Sink.ReportError("build request", err)
		_ = rep.OnSegmentFailed(req.SegmentID)
		return
	}
	if !req.ByteRange.Empty() {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.ByteRange.Start, req.ByteRange.End))
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	downloadDurationMS := time.Since(start).Milliseconds()
	status := "ok"
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveSegmentDownload(rep.Config.ID, status, float64(downloadDurationMS))
		}
	}()
	if err != nil {
		status = "network_error"
		p.log.Warn("segment fetch failed", "representation", rep.Config.ID, "err", err)
		p.Pipeline.Sink.ReportError("fetch segment", err)
		_ = rep.OnSegmentFailed(req.SegmentID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		status = "http_" + strconv.Itoa(resp.StatusCode)
		err := fmt.Errorf("representation %s: unexpected status %d", rep.Config.ID, resp.StatusCode)
		p.Pipeline.Sink.ReportError("fetch segment", err)
		_ = rep.OnSegmentFailed(req.SegmentID)
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		status = "read_error"
		p.Pipeline.Sink.ReportError("read segment body", err)
		_ = rep.OnSegmentFailed(req.SegmentID)
		return
	}

	seg := &segment.Segment{
		InitSegmentID: rep.Config.ID,
		ID:            req.SegmentID,
		ByteRange:     req.ByteRange,
		IsInit:        req.IsInit,
		Content: segment.ContentDescriptor{
			RepresentationID: rep.Config.ID,
			ContentType:      rep.ContentType(),
		},
		Data:               body,
		DownloadDurationMS: downloadDurationMS,
	}

	if req.IsInit {
		if err := rep.OnInitSegmentArrived(seg); err != nil {
			status = "parse_error"
			p.log.Warn("init segment rejected", "representation", rep.Config.ID, "err", err)
			p.Pipeline.Sink.ReportError("init segment arrived", err)
		}
		return
	}
	if err := rep.OnSegmentArrived(seg, downloadDurationMS); err != nil {
		status = "parse_error"
		p.log.Warn("segment rejected", "representation", rep.Config.ID, "err", err)
		p.Pipeline.Sink.ReportError("segment arrived", err)
		return
	}
	if rep.ContentType() == "video" {
		p.Pipeline.Sink.CheckDownloadRate(rep.Config.ID, rep.SegmentDurationUS(), downloadDurationMS*1000, rep.IsEnhancementLayer())
	}
}

// pumpFrames pulls whatever decodable output is ready from every active
// stream. A real renderer would consume these return values to drive
// decoding/presentation; this loop's job is only to keep the pipeline's
// internal queues draining (spec §4.5).
func (p *Player) pumpFrames() {
	nowUS := time.Now().UnixMicro()
	if _, err := p.Pipeline.Manager.ReadVideoFrames(nowUS); err != nil {
		p.log.Debug("read video frames", "err", err)
	}
	if _, err := p.Pipeline.Manager.ReadAudioFrames(); err != nil {
		p.log.Debug("read audio frames", "err", err)
	}
	if _, err := p.Pipeline.Manager.ReadMetadata(nowUS); err != nil {
		p.log.Debug("read metadata", "err", err)
	}
}
