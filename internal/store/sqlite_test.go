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

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stiwatch/ingestion/internal/models"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "stiwatch.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestInsertAndGetCertificate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &models.CertificateRecord{
		IdentityHeader: "hdr",
		Err1:           "a",
		Err2:           "b",
		Err3:           "c",
		CertURL:        strPtr("https://example.com/cert.pem"),
		CertURLFound:   true,
		ClearTextCert:  strPtr("Certificate: ..."),
		Origination:    "Example Telecom",
		NotAfter:       "2025-12-31T23:59:59Z",
	}
	if err := s.InsertCertificate(ctx, rec); err != nil {
		t.Fatalf("InsertCertificate: %v", err)
	}
	if rec.UUID == "" {
		t.Fatal("uuid not assigned")
	}

	got, err := s.GetCertificate(ctx, rec.UUID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.Err1 != "a" || got.Err3 != "c" || got.CertURL == nil || *got.CertURL != *rec.CertURL {
		t.Errorf("got %+v", got)
	}
	if got.Certificate != nil {
		t.Errorf("Certificate = %q, want nil", *got.Certificate)
	}

	if _, err := s.GetCertificate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCountCertificatesSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	url := "https://example.com/cert.pem"
	midnight := time.Date(2024, 3, 10, 0, 0, 0, 0, time.Local)

	for _, at := range []time.Time{
		midnight.Add(-time.Hour),
		midnight.Add(time.Hour),
		midnight.Add(2 * time.Hour),
	} {
		if err := s.InsertCertificate(ctx, &models.CertificateRecord{CertURL: strPtr(url), CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertCertificate(ctx, &models.CertificateRecord{CertURL: nil, CreatedAt: midnight.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountCertificatesSince(ctx, url, midnight)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	n, _ = s.CountCertificatesSince(ctx, "https://other.example/cert.pem", midnight)
	if n != 0 {
		t.Errorf("count for unseen url = %d, want 0", n)
	}
}

func TestListCertificates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, repeated := range []bool{false, true, true, false} {
		rec := &models.CertificateRecord{
			UUID:       string(rune('a' + i)),
			IsRepeated: repeated,
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.InsertCertificate(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	yes, no := true, false
	start := base.Add(30 * time.Minute)
	tests := []struct {
		name string
		f    ListFilter
		want []string
	}{
		{"all newest first", ListFilter{}, []string{"d", "c", "b", "a"}},
		{"unique only", ListFilter{Unique: &yes}, []string{"d", "a"}},
		{"repeated only", ListFilter{Unique: &no}, []string{"c", "b"}},
		{"start bound", ListFilter{Start: &start}, []string{"d", "c", "b"}},
		{"limit", ListFilter{Limit: 1}, []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCertificates(ctx, tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d rows, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].UUID != tt.want[i] {
					t.Errorf("row %d = %q, want %q", i, got[i].UUID, tt.want[i])
				}
			}
		})
	}
}

func TestOptOuts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if out, _ := s.IsCompanyOptedOut(ctx, "Acme"); out {
		t.Fatal("Acme opted out before upsert")
	}
	for i := 0; i < 2; i++ {
		if err := s.UpsertOptOutCompany(ctx, "Acme"); err != nil {
			t.Fatalf("UpsertOptOutCompany #%d: %v", i, err)
		}
	}
	if out, _ := s.IsCompanyOptedOut(ctx, "Acme"); !out {
		t.Error("Acme should be opted out")
	}
	if out, _ := s.IsCompanyOptedOut(ctx, "acme"); out {
		t.Error("company match must be exact")
	}
	if err := s.DeleteOptOutCompany(ctx, "Acme"); err != nil {
		t.Fatal(err)
	}
	if out, _ := s.IsCompanyOptedOut(ctx, "Acme"); out {
		t.Error("Acme still opted out after delete")
	}

	if err := s.UpsertEmailPreference(ctx, "noc@acme.example", true); err != nil {
		t.Fatal(err)
	}
	if out, _ := s.IsEmailOptedOut(ctx, "noc@acme.example"); !out {
		t.Error("email should be opted out")
	}
	if err := s.UpsertEmailPreference(ctx, "noc@acme.example", false); err != nil {
		t.Fatal(err)
	}
	if out, _ := s.IsEmailOptedOut(ctx, "noc@acme.example"); out {
		t.Error("email should be opted back in")
	}
	if out, err := s.IsEmailOptedOut(ctx, "unknown@acme.example"); out || err != nil {
		t.Errorf("unknown email = %v, %v", out, err)
	}
}

func TestAdminAndEmailEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetAdminByEmail(ctx, "ops@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.UpsertAdmin(ctx, &models.AdminUser{Email: "ops@example.com", PasswordHash: "h1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAdmin(ctx, &models.AdminUser{Email: "ops@example.com", PasswordHash: "h2"}); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetAdminByEmail(ctx, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if u.PasswordHash != "h2" {
		t.Errorf("PasswordHash = %q, want h2", u.PasswordHash)
	}

	ev := &models.EmailEvent{Email: "noc@acme.example", Subject: "s", Content: "c", NotificationType: "certificate_alert", CertificateUUID: "cert-1"}
	if err := s.InsertEmailEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	evs, err := s.EmailEvents(ctx, "cert-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].NotificationType != "certificate_alert" {
		t.Errorf("events = %+v", evs)
	}
}

func TestListFilterEffectiveLimit(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 500}, {-3, 500}, {20, 20}, {99999, 5000}} {
		if got := (ListFilter{Limit: tt.in}).EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
