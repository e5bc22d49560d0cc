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

package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stiwatch/ingestion/internal/certs"
	"github.com/stiwatch/ingestion/internal/models"
	"github.com/stiwatch/ingestion/internal/notify"
	"github.com/stiwatch/ingestion/internal/queue"
	"github.com/stiwatch/ingestion/internal/store"
)

const certText = `Certificate:
    Data:
        Signature Algorithm: ecdsa-with-SHA256
        Issuer: C = US, O = Example STI-CA, CN = Example Intermediate
        Validity
            Not Before: Jan  2 15:04:05 2024 GMT
            Not After : Dec 31 23:59:59 2030 GMT
        Subject: C = US, O = Example Telecom, CN = SHAKEN 123J
`

const identityOut = `{"payload": {"dest": {"tn": ["15551230000"]}, "orig": {"tn": "15559870000"}}}
[errno: 12] Signature validation failed
`

// --- Mocks ---

type mockResolver struct {
	mu      sync.Mutex
	certs   map[string]string
	failing map[string]error
	org     string
}

func (r *mockResolver) Resolve(_ context.Context, url string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failing[url]; ok {
		return nil, "", err
	}
	text, ok := r.certs[url]
	if !ok {
		return nil, "", errors.New("certificate host returned HTTP 404 for " + url)
	}
	return []byte("-----BEGIN CERTIFICATE-----"), text, nil
}

func (r *mockResolver) RoutingMetadata(context.Context, string) certs.RoutingMetadata {
	return certs.ParseIdentityOutput(identityOut)
}

type mockNotifier struct {
	mu   sync.Mutex
	recs []string
}

func (n *mockNotifier) Notify(_ context.Context, rec *models.CertificateRecord) notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec.UUID)
	return notify.Result{EmailSent: true, ChatSent: true}
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs)
}

type mockClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func (c *mockClaimer) Claim(_ context.Context, url string, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := url + at.Format("2006-01-02")
	if c.claimed[key] {
		return false, nil
	}
	c.claimed[key] = true
	return true, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// --- Helpers ---

const certURL = "https://example.com/cert.pem"

func identity(url string) string {
	return "eyJhbGciOiJFUzI1NiJ9.e30.sig;info=<" + url + ">;alg=ES256;ppt=shaken"
}

func failure(header string) models.FailureRecord {
	return models.FailureRecord{Identity: header, Err0: "e0", Err1: "e1", Err2: "e2"}
}

type harness struct {
	proc     *Processor
	store    *store.SQLite
	notifier *mockNotifier
	clock    *clock
	resolver *mockResolver
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:    st,
		notifier: &mockNotifier{},
		clock:    &clock{now: time.Date(2024, 6, 15, 10, 0, 0, 0, time.Local)},
		resolver: &mockResolver{certs: map[string]string{certURL: certText}},
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.proc = NewProcessor(h.resolver, st, h.notifier, opts...)
	return h
}

// --- Tests ---

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.proc.Process(ctx, failure(identity(certURL)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.UUID == "" {
		t.Fatal("uuid not assigned")
	}

	stored, err := h.store.GetCertificate(ctx, rec.UUID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if !stored.CertURLFound || stored.CertURL == nil || *stored.CertURL != certURL {
		t.Errorf("cert url fields = %v %v", stored.CertURLFound, stored.CertURL)
	}
	if stored.Err1 != "e0" || stored.Err2 != "e1" || stored.Err3 != "e2" {
		t.Errorf("errors = %q %q %q", stored.Err1, stored.Err2, stored.Err3)
	}
	if stored.NotBefore != "2024-01-02T15:04:05Z" || stored.NotAfter != "2030-12-31T23:59:59Z" {
		t.Errorf("validity = %q .. %q", stored.NotBefore, stored.NotAfter)
	}
	if stored.Origination != "Example Telecom" || stored.OCN != "123" || stored.CA != "Example STI-CA" {
		t.Errorf("subject fields = %+v", stored)
	}
	if stored.ANI != "15559870000" || stored.DNIS != "15551230000" {
		t.Errorf("ani/dnis = %q/%q", stored.ANI, stored.DNIS)
	}
	if stored.IdentityError != "Signature validation failed" {
		t.Errorf("IdentityError = %q", stored.IdentityError)
	}
	if stored.IsRepeated {
		t.Error("first occurrence marked repeated")
	}
	if h.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", h.notifier.count())
	}
}

func TestProcessSameDayRepeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _ := h.proc.Process(ctx, failure(identity(certURL)))
	h.clock.Set(h.clock.Now().Add(3 * time.Hour))
	second, err := h.proc.Process(ctx, failure(identity(certURL)))
	if err != nil {
		t.Fatal(err)
	}

	if first.IsRepeated {
		t.Error("first record marked repeated")
	}
	if !second.IsRepeated {
		t.Error("second record same day should be repeated")
	}
	if h.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", h.notifier.count())
	}
}

func TestProcessNewDayResetsRepeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Set(time.Date(2024, 6, 14, 23, 30, 0, 0, time.Local))
	h.proc.Process(ctx, failure(identity(certURL)))

	h.clock.Set(time.Date(2024, 6, 15, 0, 30, 0, 0, time.Local))
	today, _ := h.proc.Process(ctx, failure(identity(certURL)))
	if today.IsRepeated {
		t.Error("first occurrence of a new day marked repeated")
	}

	h.clock.Set(time.Date(2024, 6, 15, 1, 0, 0, 0, time.Local))
	again, _ := h.proc.Process(ctx, failure(identity(certURL)))
	if !again.IsRepeated {
		t.Error("second occurrence today not marked repeated")
	}
	if h.notifier.count() != 2 {
		t.Errorf("notifications = %d, want 2", h.notifier.count())
	}
}

func TestProcessNoCertURL(t *testing.T) {
	h := newHarness(t)
	rec, err := h.proc.Process(context.Background(), failure("eyJ.e30.sig;alg=ES256"))
	if err != nil {
		t.Fatal(err)
	}
	stored, err := h.store.GetCertificate(context.Background(), rec.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CertURLFound || stored.CertURL != nil {
		t.Errorf("cert_url_found = %v, cert_url = %v", stored.CertURLFound, stored.CertURL)
	}
	if stored.IdentityError != "No certificate URL found in identity header" {
		t.Errorf("IdentityError = %q", stored.IdentityError)
	}
	if h.notifier.count() != 0 {
		t.Error("notified for a record without certificate URL")
	}
}

func TestProcessResolutionFailure(t *testing.T) {
	h := newHarness(t)
	url := "https://unreachable.example/cert.pem"

	rec, err := h.proc.Process(context.Background(), failure(identity(url)))
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := h.store.GetCertificate(context.Background(), rec.UUID)
	if stored.CertURLFound {
		t.Error("cert_url_found should be false")
	}
	if stored.CertURL == nil || *stored.CertURL != url {
		t.Errorf("cert_url = %v", stored.CertURL)
	}
	if stored.IdentityError == "" {
		t.Error("IdentityError should carry the failure reason")
	}
	if h.notifier.count() != 0 {
		t.Error("notified for an unresolved certificate")
	}
}

func TestProcessCompanyOptOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.UpsertOptOutCompany(ctx, "Example Telecom"); err != nil {
		t.Fatal(err)
	}

	rec, err := h.proc.Process(ctx, failure(identity(certURL)))
	if err != nil {
		t.Fatal(err)
	}
	if rec.IsRepeated {
		t.Error("opt-out must not change is_repeated")
	}
	if h.notifier.count() != 0 {
		t.Error("notified an opted-out company")
	}
}

func TestProcessEmptyOrganization(t *testing.T) {
	h := newHarness(t)
	h.resolver.certs[certURL] = "Signature Algorithm: ecdsa-with-SHA256\nSubject: CN = SHAKEN 999Z\n"

	if _, err := h.proc.Process(context.Background(), failure(identity(certURL))); err != nil {
		t.Fatal(err)
	}
	if h.notifier.count() != 0 {
		t.Error("notified a record without an organization")
	}
}

func TestProcessClaimer(t *testing.T) {
	claimer := &mockClaimer{claimed: map[string]bool{}}
	h := newHarness(t, WithClaimer(claimer))
	ctx := context.Background()

	// Another replica already notified today.
	claimer.Claim(ctx, certURL, h.clock.Now())

	rec, _ := h.proc.Process(ctx, failure(identity(certURL)))
	if rec.IsRepeated {
		t.Error("claim must not change is_repeated")
	}
	if h.notifier.count() != 0 {
		t.Error("notified despite an existing claim")
	}
}

func TestProcessConcurrentRecordsAllPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.proc.Process(ctx, failure(identity(certURL)))
		}()
	}
	wg.Wait()

	list, err := h.store.ListCertificates(ctx, store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 10 {
		t.Errorf("stored %d records, want 10", len(list))
	}
	if n := h.notifier.count(); n < 1 {
		t.Errorf("notifications = %d, want at least 1", n)
	}
}

func TestAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.proc.Process(ctx, failure(identity(certURL)))
	repeat, _ := h.proc.Process(ctx, failure(identity(certURL)))
	if h.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notifier.count())
	}

	if _, err := h.proc.Alert(ctx, repeat); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if h.notifier.count() != 2 {
		t.Error("Alert should bypass the duplicate gate")
	}

	h.store.UpsertOptOutCompany(ctx, "Example Telecom")
	if _, err := h.proc.Alert(ctx, repeat); !errors.Is(err, ErrCompanyOptedOut) {
		t.Errorf("err = %v, want ErrCompanyOptedOut", err)
	}
	if h.notifier.count() != 2 {
		t.Error("Alert notified an opted-out company")
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := queue.NewMemory(10)

	q.Enqueue(ctx,
		failure(identity(certURL)),
		failure("no url here"),
		failure(identity("https://other.example/cert.pem")),
	)
	q.Close()

	done := make(chan error, 1)
	go func() { done <- NewPool(q, h.proc, 2).Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after queue was drained")
	}

	list, _ := h.store.ListCertificates(ctx, store.ListFilter{})
	if len(list) != 3 {
		t.Errorf("stored %d records, want 3", len(list))
	}
}
