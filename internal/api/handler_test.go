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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stiwatch/ingestion/internal/models"
	"github.com/stiwatch/ingestion/internal/notify"
	"github.com/stiwatch/ingestion/internal/pipeline"
	"github.com/stiwatch/ingestion/internal/queue"
	"github.com/stiwatch/ingestion/internal/store"
)

type mockAlerter struct {
	mu     sync.Mutex
	calls  []string
	result notify.Result
	err    error
}

func (m *mockAlerter) Alert(_ context.Context, rec *models.CertificateRecord) (notify.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rec.UUID)
	return m.result, m.err
}

func (m *mockAlerter) set(res notify.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result, m.err = res, err
}

func (m *mockAlerter) callIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockPreviewer struct{}

func (mockPreviewer) Preview(_ context.Context, rec *models.CertificateRecord) (*notify.Message, error) {
	return &notify.Message{
		To:      "noc@example.net",
		Subject: "Certificate Alert for " + rec.Origination,
		Content: "body",
	}, nil
}

type fixture struct {
	h       *Handler
	srv     *httptest.Server
	store   *store.SQLite
	queue   *queue.Memory
	alerter *mockAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.NewMemory(16)
	t.Cleanup(q.Close)

	f := &fixture{
		store:   st,
		queue:   q,
		alerter: &mockAlerter{result: notify.Result{Category: notify.CategoryExpired, To: "noc@example.net", EmailSent: true}},
	}
	f.h = NewHandler(HandlerConfig{
		Queue:     q,
		Store:     st,
		Alerter:   f.alerter,
		Previewer: mockPreviewer{},
		Sessions:  NewMemorySessions(time.Hour),
		Health:    []HealthCheck{{Name: "store", Ping: st.Ping}},
	})
	f.srv = httptest.NewServer(f.h.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := f.store.UpsertAdmin(context.Background(), &models.AdminUser{Email: "ops@example.com", PasswordHash: string(hash)}); err != nil {
		t.Fatalf("upsert admin: %v", err)
	}
	resp, out := f.do(t, http.MethodPost, "/api/admin/login", "", `{"email":"ops@example.com","password":"hunter2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func (f *fixture) seed(t *testing.T, id string, repeated bool) {
	t.Helper()
	url := "https://cr.example.net/" + id + ".pem"
	rec := &models.CertificateRecord{
		UUID:           id,
		IdentityHeader: "hdr;info=<" + url + ">",
		CertURL:        &url,
		CertURLFound:   true,
		Origination:    "Example Telecom",
		IsRepeated:     repeated,
		CreatedAt:      time.Now().UTC(),
	}
	if err := f.store.InsertCertificate(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestServeLogs_AcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	body := `{"errors":[
		{"identity":"a","err0":"e0","err1":"e1","err2":"e2"},
		{"uuid":"keep-me","identity":"b","err0":"x","err1":"y","err2":"z"}
	],"filename":"call.log"}`

	resp, out := f.do(t, http.MethodPost, "/api/logs", "", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if out["success"] != true {
		t.Errorf("success = %v", out["success"])
	}
	ids, _ := out["uuids"].([]any)
	if len(ids) != 2 {
		t.Fatalf("uuids = %v, want 2", out["uuids"])
	}
	if ids[1] != "keep-me" {
		t.Errorf("supplied uuid replaced: %v", ids[1])
	}
	if s, _ := ids[0].(string); s == "" {
		t.Error("missing generated uuid")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		task, err := f.queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if task.Record.UUID != ids[i] {
			t.Errorf("task %d uuid = %q, want %v", i, task.Record.UUID, ids[i])
		}
	}
}

func TestServeLogs_RejectsNonArray(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"errors":"nope"}`, `{}`, `{"errors":{"a":1}}`} {
		resp, out := f.do(t, http.MethodPost, "/api/logs", "", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
		if out["success"] != false || out["message"] != "Expected errors to be an array" {
			t.Errorf("%s: body = %v", body, out)
		}
	}
}

func TestServeLogs_EmptyArray(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/api/logs", "", `{"errors":[]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ids, _ := out["uuids"].([]any); len(ids) != 0 {
		t.Errorf("uuids = %v, want empty", ids)
	}
}

func TestServeOptOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, _ := f.do(t, http.MethodPost, "/api/notifications/opt-out", "", `{"company":"Example Telecom"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out, _ := f.store.IsCompanyOptedOut(ctx, "Example Telecom"); !out {
		t.Error("company not opted out")
	}

	f.do(t, http.MethodPost, "/api/notifications/opt-out", "", `{"company":"Example Telecom","opted_out":false}`)
	if out, _ := f.store.IsCompanyOptedOut(ctx, "Example Telecom"); out {
		t.Error("company still opted out after opt-in")
	}

	f.do(t, http.MethodPost, "/api/notifications/opt-out", "", `{"email":"noc@example.net"}`)
	if out, _ := f.store.IsEmailOptedOut(ctx, "noc@example.net"); !out {
		t.Error("email not opted out")
	}

	resp, out := f.do(t, http.MethodPost, "/api/notifications/opt-out", "", `{}`)
	if resp.StatusCode != http.StatusBadRequest || out["success"] != false {
		t.Errorf("empty body: status = %d, body = %v", resp.StatusCode, out)
	}
}

func TestServeHealth(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "healthy" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, out)
	}

	down := NewHandler(HandlerConfig{Health: []HealthCheck{{Name: "redis", Ping: func(context.Context) error {
		return errors.New("down")
	}}}})
	rec := httptest.NewRecorder()
	down.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "bogus"} {
		resp, out := f.do(t, http.MethodGet, "/api/admin/get_error", token, "")
		if resp.StatusCode != http.StatusUnauthorized || out["success"] != false {
			t.Errorf("token %q: status = %d, body = %v", token, resp.StatusCode, out)
		}
	}
}

func TestAdmin_LoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	resp, out := f.do(t, http.MethodPost, "/api/admin/login", "", `{"email":"ops@example.com","password":"wrong"}`)
	if resp.StatusCode != http.StatusUnauthorized || out["success"] != false {
		t.Errorf("status = %d, body = %v", resp.StatusCode, out)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/admin/login", "", `{"email":"nobody@example.com","password":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown admin: status = %d, want 401", resp.StatusCode)
	}
}

func TestAdmin_ListAndGet(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	f.seed(t, "rec-1", false)
	f.seed(t, "rec-2", true)

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?unique=true", 1},
		{"?unique=false", 1},
		{"?start_time=undefined&end_time=undefined", 2},
		{"?limit=1", 1},
		{"?start_time=2100-01-01T00:00:00.000Z", 0},
	}
	for _, tt := range tests {
		resp, out := f.do(t, http.MethodGet, "/api/admin/get_error"+tt.query, token, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%q: status = %d", tt.query, resp.StatusCode)
			continue
		}
		data, _ := out["data"].([]any)
		if len(data) != tt.want {
			t.Errorf("%q: got %d rows, want %d", tt.query, len(data), tt.want)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/api/admin/get_error?start_time=yesterday", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad start_time: status = %d, want 400", resp.StatusCode)
	}

	resp, out := f.do(t, http.MethodGet, "/api/admin/error/rec-1", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	data, _ := out["data"].(map[string]any)
	if data["uuid"] != "rec-1" || data["Origination"] != "Example Telecom" {
		t.Errorf("data = %v", data)
	}

	resp, out = f.do(t, http.MethodGet, "/api/admin/error/missing", token, "")
	if resp.StatusCode != http.StatusNotFound || out["success"] != false {
		t.Errorf("missing: status = %d, body = %v", resp.StatusCode, out)
	}
}

func TestAdmin_EmailPreview(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	f.seed(t, "rec-1", false)

	resp, out := f.do(t, http.MethodGet, "/api/admin/error/rec-1/email", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := out["data"].(map[string]any)
	if data["to_email"] != "noc@example.net" || data["subject"] != "Certificate Alert for Example Telecom" {
		t.Errorf("data = %v", data)
	}
}

func TestAdmin_SendAlert(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	f.seed(t, "rec-1", true)

	resp, out := f.do(t, http.MethodPost, "/api/admin/error/rec-1/send_alert", token, "")
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	data, _ := out["data"].(map[string]any)
	if data["category"] != "expired" || data["email_sent"] != true {
		t.Errorf("data = %v", data)
	}
	if calls := f.alerter.callIDs(); len(calls) != 1 || calls[0] != "rec-1" {
		t.Errorf("alert calls = %v", calls)
	}

	f.alerter.set(notify.Result{}, pipeline.ErrCompanyOptedOut)
	resp, _ = f.do(t, http.MethodPost, "/api/admin/error/rec-1/send_alert", token, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("opted out: status = %d, want 409", resp.StatusCode)
	}

	f.alerter.set(notify.Result{Category: notify.CategoryInvalid}, nil)
	resp, out = f.do(t, http.MethodPost, "/api/admin/error/rec-1/send_alert", token, "")
	if resp.StatusCode != http.StatusBadGateway || out["success"] != false {
		t.Errorf("undelivered: status = %d, body = %v", resp.StatusCode, out)
	}
}

func TestMemorySessions_Expire(t *testing.T) {
	s := NewMemorySessions(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	token, err := s.Create(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if email, err := s.Lookup(ctx, token); err != nil || email != "ops@example.com" {
		t.Fatalf("lookup = %q, %v", email, err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Lookup(ctx, token); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}
