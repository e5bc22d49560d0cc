// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the HTTP surface of the alert service: batch
// ingestion from remote collectors, notification opt-outs, the admin
// endpoints behind bearer-token sessions, health and metrics.
//
// Ingestion replies 202 as soon as identifiers are assigned; the records
// are handed to the worker queue in the background.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stiwatch/ingestion/internal/metrics"
	"github.com/stiwatch/ingestion/internal/models"
	"github.com/stiwatch/ingestion/internal/notify"
	"github.com/stiwatch/ingestion/internal/store"
)

// maxBodyBytes bounds ingestion and admin request bodies.
const maxBodyBytes = 50 << 20

// enqueueTimeout bounds the background hand-off of one accepted batch.
const enqueueTimeout = 30 * time.Second

// Enqueuer accepts failure records for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, recs ...models.FailureRecord) error
}

// Store is the persistence surface the API reads and writes.
type Store interface {
	GetCertificate(ctx context.Context, uuid string) (*models.CertificateRecord, error)
	ListCertificates(ctx context.Context, f store.ListFilter) ([]models.CertificateSummary, error)
	UpsertOptOutCompany(ctx context.Context, company string) error
	DeleteOptOutCompany(ctx context.Context, company string) error
	UpsertEmailPreference(ctx context.Context, email string, optedOut bool) error
	GetAdminByEmail(ctx context.Context, email string) (*models.AdminUser, error)
}

// Alerter triggers notification for a stored record.
type Alerter interface {
	Alert(ctx context.Context, rec *models.CertificateRecord) (notify.Result, error)
}

// Previewer composes the email for a stored record without sending it.
type Previewer interface {
	Preview(ctx context.Context, rec *models.CertificateRecord) (*notify.Message, error)
}

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Queue     Enqueuer
	Store     Store
	Alerter   Alerter
	Previewer Previewer
	Sessions  Sessions
	Health    []HealthCheck
}

// Handler serves all HTTP endpoints.
type Handler struct {
	queue     Enqueuer
	store     Store
	alerter   Alerter
	previewer Previewer
	sessions  Sessions
	health    []HealthCheck
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		queue:     cfg.Queue,
		store:     cfg.Store,
		alerter:   cfg.Alerter,
		previewer: cfg.Previewer,
		sessions:  cfg.Sessions,
		health:    cfg.Health,
	}
}

// logsRequest is the collector batch. Errors is decoded separately so a
// non-array value can be rejected.
type logsRequest struct {
	Errors    json.RawMessage `json:"errors"`
	Timestamp string          `json:"timestamp,omitempty"`
	Filename  string          `json:"filename,omitempty"`
}

// LogsResponse acknowledges an accepted batch.
type LogsResponse struct {
	Success bool     `json:"success"`
	UUIDs   []string `json:"uuids"`
	Message string   `json:"message"`
}

// ServeLogs handles POST /api/logs.
func (h *Handler) ServeLogs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var req logsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	raw := bytes.TrimSpace(req.Errors)
	if len(raw) == 0 || raw[0] != '[' {
		writeError(w, http.StatusBadRequest, "Expected errors to be an array")
		return
	}
	var recs []models.FailureRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		writeError(w, http.StatusBadRequest, "Expected errors to be an array of failure records")
		return
	}

	ids := make([]string, len(recs))
	for i := range recs {
		if recs[i].UUID == "" {
			recs[i].UUID = uuid.New().String()
		}
		ids[i] = recs[i].UUID
	}

	writeJSON(w, http.StatusAccepted, LogsResponse{
		Success: true,
		UUIDs:   ids,
		Message: "Requests accepted for processing",
	})

	metrics.Get().RecordsIngress.WithLabelValues("api").Add(float64(len(recs)))
	slog.Info("accepted failure batch", "count", len(recs), "filename", req.Filename)

	if len(recs) > 0 {
		go h.enqueue(recs)
	}
}

func (h *Handler) enqueue(recs []models.FailureRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := h.queue.Enqueue(ctx, recs...); err != nil {
		metrics.Get().QueueFailures.WithLabelValues("enqueue").Inc()
		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.UUID
		}
		slog.Error("failed to enqueue accepted records", "count", len(recs), "uuids", ids, "error", err)
	}
}

type optOutRequest struct {
	Email    string `json:"email"`
	Company  string `json:"company"`
	OptedOut *bool  `json:"opted_out"`
}

// ServeOptOut handles POST /api/notifications/opt-out.
func (h *Handler) ServeOptOut(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Company = strings.TrimSpace(req.Company)
	if req.Email == "" && req.Company == "" {
		writeError(w, http.StatusBadRequest, "email or company is required")
		return
	}
	optedOut := true
	if req.OptedOut != nil {
		optedOut = *req.OptedOut
	}

	ctx := r.Context()
	if req.Email != "" {
		if err := h.store.UpsertEmailPreference(ctx, req.Email, optedOut); err != nil {
			slog.Error("error processing email opt-out", "email", req.Email, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		slog.Info("email notification preference updated", "email", req.Email, "opted_out", optedOut)
	}
	if req.Company != "" {
		var err error
		if optedOut {
			err = h.store.UpsertOptOutCompany(ctx, req.Company)
		} else {
			err = h.store.DeleteOptOutCompany(ctx, req.Company)
		}
		if err != nil {
			slog.Error("error processing company opt-out", "company", req.Company, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		slog.Info("company notification preference updated", "company", req.Company, "opted_out", optedOut)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, c := range h.health {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			http.Error(w, c.Name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
