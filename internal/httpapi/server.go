// Package httpapi exposes the operational surface: liveness, a status
// snapshot of risk/circuits/strategy, the Prometheus endpoint and the
// operator's risk override control.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/health"
	"github.com/shortpilot/shortpilot/internal/risk"
	"github.com/shortpilot/shortpilot/internal/store"
)

// Server serves the operational API.
type Server struct {
	st      store.Store
	tracker *health.Tracker
	riskEng *risk.Engine
	log     zerolog.Logger
	srv     *http.Server
}

// NewServer builds the server on addr.
func NewServer(addr string, st store.Store, tracker *health.Tracker, riskEng *risk.Engine, log zerolog.Logger) *Server {
	s := &Server{st: st, tracker: tracker, riskEng: riskEng, log: log}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Routes wires the router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/risk/override", s.handleSetOverride).Methods(http.MethodPost)
	r.HandleFunc("/risk/override", s.handleClearOverride).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the full operational snapshot.
type statusResponse struct {
	Risk        store.RiskDoc          `json:"risk"`
	Circuits    []store.ProviderHealth `json:"circuits"`
	Strategy    strategySummary        `json:"strategy"`
	RecentSlots []store.PublishRecord  `json:"recent_slots"`
}

type strategySummary struct {
	Version       int64     `json:"version"`
	LastRecompute time.Time `json:"last_recompute"`
	Dimensions    int       `json:"dimensions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	riskDoc, err := s.riskEng.Load(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	circuits, err := s.tracker.Snapshot(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	recent, err := s.st.Publishes.ListRecent(ctx, 20)
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := statusResponse{
		Risk:        riskDoc,
		Circuits:    circuits,
		RecentSlots: recent,
	}
	if doc, err := s.st.Strategy.Load(ctx); err == nil {
		resp.Strategy = strategySummary{
			Version:       doc.Version,
			LastRecompute: doc.LastRecompute,
			Dimensions:    len(doc.Weights),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type overrideRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	mode := store.RiskMode(req.Mode)
	switch mode {
	case store.RiskNormal, store.RiskThrottled, store.RiskPaused:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown mode %q", req.Mode),
		})
		return
	}
	if err := s.riskEng.SetOverride(r.Context(), mode, time.Now()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	if err := s.riskEng.SetOverride(r.Context(), "", time.Now()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": ""})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("http api request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
