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

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stiwatch/ingestion/internal/models"
	"github.com/stiwatch/ingestion/internal/notify"
	"github.com/stiwatch/ingestion/internal/pipeline"
	"github.com/stiwatch/ingestion/internal/store"
)

// ServeListErrors handles GET /api/admin/get_error.
func (h *Handler) ServeListErrors(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.store.ListCertificates(r.Context(), f)
	if err != nil {
		slog.Error("list certificates failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch records")
		return
	}
	if rows == nil {
		rows = []models.CertificateSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows})
}

// parseListFilter reads start_time, end_time, unique and limit. Browsers
// send "undefined" for unset range bounds, which is treated as absent.
func parseListFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	var f store.ListFilter

	for _, b := range []struct {
		name string
		dst  **time.Time
	}{{"start_time", &f.Start}, {"end_time", &f.End}} {
		v := strings.TrimSpace(q.Get(b.name))
		if isUnset(v) {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid " + b.name + ": expected RFC 3339 timestamp")
		}
		*b.dst = &t
	}

	switch v := strings.ToLower(strings.TrimSpace(q.Get("unique"))); {
	case isUnset(v):
	case v == "true":
		u := true
		f.Unique = &u
	case v == "false":
		u := false
		f.Unique = &u
	default:
		return f, errors.New("invalid unique: expected true or false")
	}

	if v := strings.TrimSpace(q.Get("limit")); !isUnset(v) {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func isUnset(v string) bool {
	return v == "" || v == "undefined" || v == "null"
}

// lookupRecord resolves the {uuid} path parameter, writing the error
// response itself when the record cannot be served.
func (h *Handler) lookupRecord(w http.ResponseWriter, r *http.Request) *models.CertificateRecord {
	id := chi.URLParam(r, "uuid")
	rec, err := h.store.GetCertificate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Record not found")
		return nil
	}
	if err != nil {
		slog.Error("get certificate failed", "uuid", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch record")
		return nil
	}
	return rec
}

// ServeGetError handles GET /api/admin/error/{uuid}.
func (h *Handler) ServeGetError(w http.ResponseWriter, r *http.Request) {
	rec := h.lookupRecord(w, r)
	if rec == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rec})
}

// ServeEmailPreview handles GET /api/admin/error/{uuid}/email.
func (h *Handler) ServeEmailPreview(w http.ResponseWriter, r *http.Request) {
	rec := h.lookupRecord(w, r)
	if rec == nil {
		return
	}
	msg, err := h.previewer.Preview(r.Context(), rec)
	if err != nil {
		slog.Error("email preview failed", "uuid", rec.UUID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to compose email")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": msg})
}

// ServeSendAlert handles POST /api/admin/error/{uuid}/send_alert.
func (h *Handler) ServeSendAlert(w http.ResponseWriter, r *http.Request) {
	rec := h.lookupRecord(w, r)
	if rec == nil {
		return
	}
	res, err := h.alerter.Alert(r.Context(), rec)
	if errors.Is(err, pipeline.ErrCompanyOptedOut) {
		writeError(w, http.StatusConflict, "Company has opted out of notifications")
		return
	}
	if err != nil {
		slog.Error("manual alert failed", "uuid", rec.UUID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to send alert")
		return
	}

	slog.Info("manual alert triggered", "uuid", rec.UUID, "admin", AdminFromContext(r.Context()),
		"category", res.Category.String(), "email_sent", res.EmailSent, "chat_sent", res.ChatSent)
	if !res.EmailSent && !res.ChatSent {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "No notification was delivered",
			"data":    alertResult(res),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Alert sent",
		"data":    alertResult(res),
	})
}

type alertResponse struct {
	Category  string `json:"category"`
	To        string `json:"to_email,omitempty"`
	EmailSent bool   `json:"email_sent"`
	ChatSent  bool   `json:"chat_sent"`
	Skipped   string `json:"skipped,omitempty"`
}

func alertResult(res notify.Result) alertResponse {
	return alertResponse{
		Category:  res.Category.String(),
		To:        res.To,
		EmailSent: res.EmailSent,
		ChatSent:  res.ChatSent,
		Skipped:   res.Skipped,
	}
}
