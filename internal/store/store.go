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

// Package store persists certificate records and the suppression, audit,
// and admin rows around them. Two backends share one contract: Postgres
// via pgx for production and an embedded SQLite database via gorm for
// single-node deployments and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stiwatch/ingestion/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 500
	MaxListLimit     = 5000
)

// ListFilter narrows the admin list view. Unique true selects only novel
// records, false only repeats, nil both.
type ListFilter struct {
	Start  *time.Time
	End    *time.Time
	Unique *bool
	Limit  int
}

// EffectiveLimit clamps Limit into [1, MaxListLimit], defaulting to DefaultListLimit.
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Store is the persistence contract for the pipeline and admin API.
type Store interface {
	InsertCertificate(ctx context.Context, rec *models.CertificateRecord) error
	// CountCertificatesSince counts records with certURL created at or after since.
	CountCertificatesSince(ctx context.Context, certURL string, since time.Time) (int64, error)
	GetCertificate(ctx context.Context, uuid string) (*models.CertificateRecord, error)
	ListCertificates(ctx context.Context, f ListFilter) ([]models.CertificateSummary, error)

	IsCompanyOptedOut(ctx context.Context, company string) (bool, error)
	UpsertOptOutCompany(ctx context.Context, company string) error
	DeleteOptOutCompany(ctx context.Context, company string) error
	IsEmailOptedOut(ctx context.Context, email string) (bool, error)
	UpsertEmailPreference(ctx context.Context, email string, optedOut bool) error

	InsertEmailEvent(ctx context.Context, ev *models.EmailEvent) error

	GetAdminByEmail(ctx context.Context, email string) (*models.AdminUser, error)
	UpsertAdmin(ctx context.Context, u *models.AdminUser) error

	Ping(ctx context.Context) error
	Close() error
}

// prepareCertificate fills in the timestamps a stored record must carry.
// Times are kept in UTC so both backends compare them consistently.
func prepareCertificate(rec *models.CertificateRecord) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
}
