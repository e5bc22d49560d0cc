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

// Package pipeline runs one failure record through resolution, field
// extraction, the duplicate and opt-out gates, notification and
// persistence. Every record that enters Process is persisted exactly once,
// whatever fails along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stiwatch/ingestion/internal/certs"
	"github.com/stiwatch/ingestion/internal/metrics"
	"github.com/stiwatch/ingestion/internal/models"
	"github.com/stiwatch/ingestion/internal/notify"
)

// ErrCompanyOptedOut is returned by Alert for suppressed organizations.
var ErrCompanyOptedOut = errors.New("company has opted out of notifications")

// Resolver fetches and decodes certificates and identity headers.
type Resolver interface {
	Resolve(ctx context.Context, url string) ([]byte, string, error)
	RoutingMetadata(ctx context.Context, header string) certs.RoutingMetadata
}

// Store is the persistence surface the processor needs.
type Store interface {
	InsertCertificate(ctx context.Context, rec *models.CertificateRecord) error
	CountCertificatesSince(ctx context.Context, certURL string, since time.Time) (int64, error)
	IsCompanyOptedOut(ctx context.Context, company string) (bool, error)
}

// Notifier delivers notifications for a record.
type Notifier interface {
	Notify(ctx context.Context, rec *models.CertificateRecord) notify.Result
}

// Claimer grants one notification per certificate URL per day.
type Claimer interface {
	Claim(ctx context.Context, certURL string, at time.Time) (bool, error)
}

// Processor is the per-record pipeline.
type Processor struct {
	resolver Resolver
	store    Store
	notifier Notifier
	claimer  Claimer
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClaimer adds a cross-process notification claim after the store-based
// duplicate check.
func WithClaimer(c Claimer) Option {
	return func(p *Processor) { p.claimer = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor. notifier may be nil to disable delivery.
func NewProcessor(resolver Resolver, store Store, notifier Notifier, opts ...Option) *Processor {
	p := &Processor{
		resolver: resolver,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process resolves, gates, notifies and persists fr. The only error returned
// is a persistence failure; the record is returned either way.
func (p *Processor) Process(ctx context.Context, fr models.FailureRecord) (*models.CertificateRecord, error) {
	began := time.Now()
	m := metrics.Get()
	defer func() { m.ProcessingDuration.Observe(time.Since(began).Seconds()) }()

	if fr.UUID == "" {
		fr.UUID = uuid.NewString()
	}
	slog.Info("processing failure record", "uuid", fr.UUID)

	rec := &models.CertificateRecord{
		UUID:           fr.UUID,
		IdentityHeader: fr.Identity,
		Err1:           fr.Err0,
		Err2:           fr.Err1,
		Err3:           fr.Err2,
		CreatedAt:      p.now(),
	}

	outcome := p.resolve(ctx, rec)

	if err := p.store.InsertCertificate(ctx, rec); err != nil {
		m.RecordsProcessed.WithLabelValues(metrics.OutcomeStoreError).Inc()
		slog.Error("failed to persist certificate record", "uuid", rec.UUID, "error", err)
		return rec, fmt.Errorf("persist %s: %w", rec.UUID, err)
	}
	m.RecordsProcessed.WithLabelValues(outcome).Inc()
	slog.Info("certificate record stored",
		"uuid", rec.UUID,
		"outcome", outcome,
		"cert_url_found", rec.CertURLFound,
		"is_repeated", rec.IsRepeated,
	)
	return rec, nil
}

// resolve fills rec in place and runs the gates. It returns the outcome label.
func (p *Processor) resolve(ctx context.Context, rec *models.CertificateRecord) string {
	url, ok := certs.ExtractCertURL(rec.IdentityHeader)
	if !ok {
		rec.IdentityError = certs.ErrNoCertURL.Error()
		slog.Info("no certificate URL in identity header", "uuid", rec.UUID)
		return metrics.OutcomeNoURL
	}
	rec.CertURL = &url

	raw, clearText, err := p.resolver.Resolve(ctx, url)
	if raw != nil {
		s := string(raw)
		rec.Certificate = &s
	}
	if err != nil {
		rec.IdentityError = err.Error()
		slog.Warn("certificate resolution failed", "uuid", rec.UUID, "cert_url", url, "error", err)
		return metrics.OutcomeUnresolved
	}
	rec.CertURLFound = true
	rec.ClearTextCert = &clearText

	f := certs.ExtractFields(clearText, p.resolver.RoutingMetadata(ctx, rec.IdentityHeader))
	rec.Signature = f.Signature
	rec.ANI = f.ANI
	rec.DNIS = f.DNIS
	rec.CA = f.CA
	rec.NotBefore = f.NotBefore
	rec.NotAfter = f.NotAfter
	rec.OCN = f.OCN
	rec.Origination = f.Origination
	rec.Country = f.Country
	rec.IdentityError = f.IdentityError

	repeated, err := p.isRepeated(ctx, url)
	if err != nil {
		// Without a reliable answer the record is stored as novel but
		// nobody is notified.
		slog.Error("duplicate check failed, skipping notification", "uuid", rec.UUID, "cert_url", url, "error", err)
		return metrics.OutcomeNovel
	}
	if repeated {
		rec.IsRepeated = true
		slog.Debug("repeat failure for certificate today", "uuid", rec.UUID, "cert_url", url)
		return metrics.OutcomeRepeated
	}

	p.maybeNotify(ctx, rec)
	return metrics.OutcomeNovel
}

// isRepeated reports whether certURL already has a record since local midnight.
func (p *Processor) isRepeated(ctx context.Context, certURL string) (bool, error) {
	n, err := p.store.CountCertificatesSince(ctx, certURL, startOfDay(p.now()))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Processor) maybeNotify(ctx context.Context, rec *models.CertificateRecord) {
	m := metrics.Get()
	company := rec.Origination
	if company == "" {
		slog.Info("no originating organization, skipping notification", "uuid", rec.UUID)
		m.Suppressed.WithLabelValues("no_company").Inc()
		return
	}

	opted, err := p.store.IsCompanyOptedOut(ctx, company)
	if err != nil {
		slog.Error("opt-out lookup failed, skipping notification", "uuid", rec.UUID, "company", company, "error", err)
		m.Suppressed.WithLabelValues("optout_error").Inc()
		return
	}
	if opted {
		slog.Info("skipping notifications for opted-out company", "uuid", rec.UUID, "company", company)
		m.Suppressed.WithLabelValues("company_opt_out").Inc()
		return
	}

	if p.claimer != nil {
		claimed, err := p.claimer.Claim(ctx, *rec.CertURL, p.now())
		switch {
		case err != nil:
			slog.Warn("notification claim failed, notifying anyway", "uuid", rec.UUID, "error", err)
		case !claimed:
			slog.Info("notification already claimed today", "uuid", rec.UUID, "cert_url", *rec.CertURL)
			m.Suppressed.WithLabelValues("claimed").Inc()
			return
		}
	}

	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, rec)
}

// Alert notifies for a stored record on operator request. The duplicate
// gate does not apply; the company opt-out does.
func (p *Processor) Alert(ctx context.Context, rec *models.CertificateRecord) (notify.Result, error) {
	if rec.Origination != "" {
		opted, err := p.store.IsCompanyOptedOut(ctx, rec.Origination)
		if err != nil {
			return notify.Result{}, fmt.Errorf("check opt-out for %q: %w", rec.Origination, err)
		}
		if opted {
			return notify.Result{}, ErrCompanyOptedOut
		}
	}
	if p.notifier == nil {
		return notify.Result{}, errors.New("notifications are disabled")
	}
	return p.notifier.Notify(ctx, rec), nil
}

// startOfDay is local midnight of t's day in the server timezone.
func startOfDay(t time.Time) time.Time {
	t = t.Local()
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.Local)
}
