// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

// Package api is the HTTP boundary: a thin request-validation layer that
// submits jobs and exposes job records, wallet staleness and the progress
// stream. Malformed submissions are 400s; a submission whose wallet lock
// is currently held is a 503 so clients back off before a worker ever
// claims the job. Runtime failures are observable only through the job
// record and the progress stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/analyzer"
	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/queue"
	"github.com/nydiokar/analyzer/similarity"
	"github.com/nydiokar/analyzer/storage"
	"github.com/nydiokar/analyzer/syncer"
)

// WalletReader is the read-only wallet state access the status endpoint
// needs.
type WalletReader interface {
	GetWallet(ctx context.Context, addr string) (*storage.Wallet, error)
}

// Server is the HTTP boundary.
type Server struct {
	rt       *queue.Runtime
	repo     WalletReader
	locks    locker.Locker
	cfg      *params.Config
	log      *zap.SugaredLogger
	validate *validator.Validate
	now      func() time.Time
}

// NewServer wires the boundary.
func NewServer(rt *queue.Runtime, repo WalletReader, locks locker.Locker, cfg *params.Config, log *zap.SugaredLogger) *Server {
	return &Server{
		rt:       rt,
		repo:     repo,
		locks:    locks,
		cfg:      cfg,
		log:      log.With("component", "api"),
		validate: validator.New(),
		now:      time.Now,
	}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs/sync-wallet", s.submitSync)
		r.Post("/jobs/fetch-balance", s.submitBalance)
		r.Post("/jobs/analyze-pnl", s.submitPNL)
		r.Post("/jobs/analyze-behavior", s.submitBehavior)
		r.Post("/jobs/dashboard-wallet-analysis", s.submitDashboard)
		r.Post("/jobs/similarity-flow", s.submitSimilarity)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)
		r.Get("/wallets/status", s.walletStatus)
	})
	r.Get("/ws/progress", s.wsProgress)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Submission request shapes. Addresses are checked for base58-ish shape
// only; real validation is the chain's problem.
type (
	syncRequest struct {
		WalletAddress string         `json:"walletAddress" validate:"required,min=32,max=44"`
		Options       syncer.Options `json:"options"`
		RequestID     string         `json:"requestId" validate:"required"`
	}
	balanceRequest struct {
		WalletAddress string `json:"walletAddress" validate:"required,min=32,max=44"`
		RequestID     string `json:"requestId" validate:"required"`
	}
	pnlRequest struct {
		WalletAddress string `json:"walletAddress" validate:"required,min=32,max=44"`
		ForceRefresh  bool   `json:"forceRefresh"`
		RequestID     string `json:"requestId" validate:"required"`
	}
	behaviorRequest struct {
		WalletAddress string              `json:"walletAddress" validate:"required,min=32,max=44"`
		TimeRange     *analyzer.TimeRange `json:"timeRange"`
		ExcludeMints  []string            `json:"excludeMints"`
		RequestID     string              `json:"requestId" validate:"required"`
	}
	dashboardRequest struct {
		WalletAddress  string `json:"walletAddress" validate:"required,min=32,max=44"`
		ForceRefresh   bool   `json:"forceRefresh"`
		EnrichMetadata bool   `json:"enrichMetadata"`
		RequestID      string `json:"requestId" validate:"required"`
	}
	similarityRequest struct {
		WalletAddresses  []string            `json:"walletAddresses" validate:"required,min=2,dive,min=32,max=44"`
		VectorType       string              `json:"vectorType" validate:"omitempty,oneof=capital behavior"`
		TimeRange        *analyzer.TimeRange `json:"timeRange"`
		FailureThreshold *float64            `json:"failureThreshold" validate:"omitempty,min=0,max=1"`
		RequestID        string              `json:"requestId" validate:"required"`
	}
)

type submitResponse struct {
	JobID string     `json:"jobId"`
	State jobs.State `json:"state"`
	Queue string     `json:"queue"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// lockFree turns submission-time lock contention into a 503 so the thin
// boundary never enqueues work that would immediately bounce.
func (s *Server) lockFree(w http.ResponseWriter, r *http.Request, key string) bool {
	held, err := s.locks.Held(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if held {
		w.Header().Set("Retry-After", "5")
		s.writeError(w, http.StatusServiceUnavailable, "wallet is busy: "+key)
		return false
	}
	return true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind jobs.Kind, key, requestID string, payload any) {
	job, err := s.rt.Submit(r.Context(), kind, key, requestID, payload, jobs.SubmitOptions{})
	if err != nil {
		if jobs.KindOf(err) == jobs.KindValidation {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, State: job.State, Queue: job.Queue})
}

func (s *Server) submitSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.lockFree(w, r, locker.SyncKey(req.WalletAddress)) {
		return
	}
	s.submit(w, r, jobs.KindSyncWallet, req.WalletAddress, req.RequestID, analyzer.SyncPayload{
		WalletAddress: req.WalletAddress,
		Options:       req.Options,
		RequestID:     req.RequestID,
	})
}

func (s *Server) submitBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, jobs.KindFetchBalance, req.WalletAddress, req.RequestID, analyzer.BalancePayload{
		WalletAddress: req.WalletAddress,
		RequestID:     req.RequestID,
	})
}

func (s *Server) submitPNL(w http.ResponseWriter, r *http.Request) {
	var req pnlRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.lockFree(w, r, locker.PNLKey(req.WalletAddress)) {
		return
	}
	s.submit(w, r, jobs.KindAnalyzePNL, req.WalletAddress, req.RequestID, analyzer.PNLPayload{
		WalletAddress: req.WalletAddress,
		ForceRefresh:  req.ForceRefresh,
		RequestID:     req.RequestID,
	})
}

func (s *Server) submitBehavior(w http.ResponseWriter, r *http.Request) {
	var req behaviorRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.lockFree(w, r, locker.BehaviorKey(req.WalletAddress)) {
		return
	}
	s.submit(w, r, jobs.KindAnalyzeBehavior, req.WalletAddress, req.RequestID, analyzer.BehaviorPayload{
		WalletAddress: req.WalletAddress,
		TimeRange:     req.TimeRange,
		ExcludeMints:  req.ExcludeMints,
		RequestID:     req.RequestID,
	})
}

func (s *Server) submitDashboard(w http.ResponseWriter, r *http.Request) {
	var req dashboardRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.lockFree(w, r, locker.DashboardKey(req.WalletAddress)) {
		return
	}
	s.submit(w, r, jobs.KindDashboardAnalysis, req.WalletAddress, req.RequestID, analyzer.DashboardPayload{
		WalletAddress:  req.WalletAddress,
		ForceRefresh:   req.ForceRefresh,
		EnrichMetadata: req.EnrichMetadata,
		RequestID:      req.RequestID,
	})
}

func (s *Server) submitSimilarity(w http.ResponseWriter, r *http.Request) {
	var req similarityRequest
	if !s.decode(w, r, &req) {
		return
	}
	key := strings.Join(req.WalletAddresses, ",")
	s.submit(w, r, jobs.KindSimilarityFlow, key, req.RequestID, similarity.Payload{
		WalletAddresses:  req.WalletAddresses,
		VectorType:       req.VectorType,
		TimeRange:        req.TimeRange,
		FailureThreshold: req.FailureThreshold,
		RequestID:        req.RequestID,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.rt.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err == jobs.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rt.Cancel(r.Context(), id, "cancelled via API"); err != nil {
		if err == jobs.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "no such job")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Infow("job cancelled via API", "id", id)
	w.WriteHeader(http.StatusAccepted)
}

type walletStatusEntry struct {
	WalletAddress string             `json:"walletAddress"`
	Status        analyzer.Staleness `json:"status"`
}

func (s *Server) walletStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("addresses")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "addresses query parameter is required")
		return
	}
	now := s.now()
	var statuses []walletStatusEntry
	for _, addr := range strings.Split(raw, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		wallet, err := s.repo.GetWallet(r.Context(), addr)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		statuses = append(statuses, walletStatusEntry{WalletAddress: addr, Status: analyzer.Classify(wallet, now)})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
