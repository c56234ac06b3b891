// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "net/http/pprof"

	"github.com/nokiatech/omaf-sub001/pkg/logging"
)

// DebugServer exposes the /healthz, /api/status and /metrics surface a
// deployed player process needs for liveness probes and dashboards, the
// CLI-shell equivalent of cmd/livesim2/app.Server's own debug routes.
// It never serves media itself; the player's HTTP traffic is all
// outbound (segment/MPD fetches).
type DebugServer struct {
	Router   *chi.Mux
	player   *Player
	registry *prometheus.Registry
}

// NewDebugServer builds the router. registry is the isolated Prometheus
// registry internal/telemetry.New was constructed against, so /metrics
// never leaks process-wide default-registry collectors.
func NewDebugServer(player *Player, registry *prometheus.Registry) *DebugServer {
	s := &DebugServer{
		Router:   chi.NewRouter(),
		player:   player,
		registry: registry,
	}
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(10 * time.Second))
	for _, route := range logging.LogRoutes {
		s.Router.MethodFunc(route.Method, route.Path, route.Handler)
	}
	s.Router.Mount("/debug", middleware.Profiler())
	s.Router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.Router.MethodFunc("GET", "/healthz", s.healthzHandlerFunc)
	s.Router.MethodFunc("GET", "/api/status", s.statusHandlerFunc)
	return s
}

func (s *DebugServer) healthzHandlerFunc(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]bool{"ok": true}, http.StatusOK)
}

// representationStatus is the per-representation slice of /api/status,
// useful for spotting a stalled or errored stream without attaching a
// debugger.
type representationStatus struct {
	ID            string  `json:"id"`
	State         string  `json:"state"`
	LastSegmentID uint64  `json:"lastSegmentId"`
	DownloadRateK float64 `json:"downloadRateKbps"`
}

func (s *DebugServer) statusHandlerFunc(w http.ResponseWriter, r *http.Request) {
	viewpointID, err := s.player.Pipeline.Manager.ActiveViewpointID()
	if err != nil {
		viewpointID = ""
	}
	reps := s.player.Pipeline.Representations()
	statuses := make([]representationStatus, 0, len(reps))
	for _, rep := range reps {
		statuses = append(statuses, representationStatus{
			ID:            rep.Config.ID,
			State:         rep.State().String(),
			LastSegmentID: uint64(rep.LastSegmentID()),
			DownloadRateK: rep.DownloadRateBps() / 1000,
		})
	}
	issues := s.player.Pipeline.Sink.Issues()
	issueStrings := make([]string, 0, len(issues))
	for _, issue := range issues {
		issueStrings = append(issueStrings, fmt.Sprintf("%s:%s", issue.RepresentationID, issue.Kind))
	}
	errs := s.player.Pipeline.Sink.Errors()
	errStrings := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrings = append(errStrings, err.Error())
	}

	s.jsonResponse(w, map[string]any{
		"activeViewpoint": viewpointID,
		"representations": statuses,
		"issues":          issueStrings,
		"errors":          errStrings,
	}, http.StatusOK)
}

// jsonResponse marshals message and writes response with code.
//
// Don't add any more content after this since Content-Length is set.
func (s *DebugServer) jsonResponse(w http.ResponseWriter, message any, code int) {
	raw, err := json.Marshal(message)
	if err != nil {
		http.Error(w, fmt.Sprintf("{message: \"%s\"}", err), http.StatusInternalServerError)
		slog.Error(err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(code)
	if _, err := w.Write(raw); err != nil {
		slog.Error("could not write HTTP response", "err", err)
	}
}
