// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package errorsink implements the single error/issue sink of spec §7:
// a place all pipeline errors are reported to, which also emits
// informational per-segment download-timing issues for upstream
// heuristics.
package errorsink

import (
	"log/slog"
	"sync"

	"github.com/nokiatech/omaf-sub001/internal/omaferrors"
)

// IssueKind enumerates the informational issues spec §7 names.
// Informational issues are never fatal.
type IssueKind int

const (
	BaselayerDelayed IssueKind = iota
	EnhLayerDelayed
	BaselayerBuffering
)

func (k IssueKind) String() string {
	switch k {
	case BaselayerDelayed:
		return "BASELAYER_DELAYED"
	case EnhLayerDelayed:
		return "ENH_LAYER_DELAYED"
	case BaselayerBuffering:
		return "BASELAYER_BUFFERING"
	default:
		return "UNKNOWN_ISSUE"
	}
}

// Issue is one informational event reported to the sink.
type Issue struct {
	Kind             IssueKind
	RepresentationID string
}

// downloadRateThreshold is the ratio below which a representation's
// observed download rate triggers a *_DELAYED issue (spec §4.3
// "Download rate feedback").
const downloadRateThreshold = 1.2

// Sink collects fatal errors and informational issues from every
// component in the pipeline. Components report into it rather than
// propagating issues through return values, matching spec §7's "all
// errors are reported to a single sink" contract.
type Sink struct {
	mu     sync.Mutex
	log    *slog.Logger
	issues []Issue
	errs   []error
}

// New builds a Sink; log may be nil, in which case slog.Default() is
// used.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

// ReportError records a fatal, non-recoverable error.
func (s *Sink) ReportError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wrapped := err
	if omaferrors.KindOf(err) == omaferrors.Ok {
		wrapped = omaferrors.Wrap(op, omaferrors.InvalidState, err)
	}
	s.errs = append(s.errs, wrapped)
	s.log.Error("pipeline error", "op", op, "err", wrapped)
}

// ReportIssue records an informational issue.
func (s *Sink) ReportIssue(kind IssueKind, representationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, Issue{Kind: kind, RepresentationID: representationID})
	s.log.Info("pipeline issue", "kind", kind.String(), "representationId", representationID)
}

// CheckDownloadRate evaluates spec §4.3's download-rate feedback rule:
// observed = segmentDurationUS / downloadDurationUS; when that ratio
// falls below 1.2 for the layer, emit BASELAYER_DELAYED or
// ENH_LAYER_DELAYED depending on isEnhancementLayer.
func (s *Sink) CheckDownloadRate(representationID string, segmentDurationUS, downloadDurationUS int64, isEnhancementLayer bool) {
	if downloadDurationUS <= 0 {
		return
	}
	ratio := float64(segmentDurationUS) / float64(downloadDurationUS)
	if ratio >= downloadRateThreshold {
		return
	}
	if isEnhancementLayer {
		s.ReportIssue(EnhLayerDelayed, representationID)
	} else {
		s.ReportIssue(BaselayerDelayed, representationID)
	}
}

// Issues returns a snapshot of all issues reported so far.
func (s *Sink) Issues() []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Issue, len(s.issues))
	copy(out, s.issues)
	return out
}

// Errors returns a snapshot of all fatal errors reported so far.
func (s *Sink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}
