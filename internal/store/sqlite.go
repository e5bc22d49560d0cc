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
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/stiwatch/ingestion/internal/models"
)

// SQLite is the embedded gorm-backed Store.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// from splitting across connections.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.CertificateRecord{},
		&models.OptOutCompany{},
		&models.EmailPreference{},
		&models.EmailEvent{},
		&models.AdminUser{},
	); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	slog.Info("sqlite store initialised", "path", path)
	return &SQLite{db: db}, nil
}

// InsertCertificate implements Store.
func (s *SQLite) InsertCertificate(ctx context.Context, rec *models.CertificateRecord) error {
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	prepareCertificate(rec)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert certificate %s: %w", rec.UUID, err)
	}
	return nil
}

// CountCertificatesSince implements Store.
func (s *SQLite) CountCertificatesSince(ctx context.Context, certURL string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.CertificateRecord{}).
		Where("cert_url = ? AND created_at >= ?", certURL, since.UTC()).
		Count(&n).Error
	return n, err
}

// GetCertificate implements Store.
func (s *SQLite) GetCertificate(ctx context.Context, id string) (*models.CertificateRecord, error) {
	var rec models.CertificateRecord
	err := s.db.WithContext(ctx).Where("uuid = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCertificates implements Store.
func (s *SQLite) ListCertificates(ctx context.Context, f ListFilter) ([]models.CertificateSummary, error) {
	q := s.db.WithContext(ctx).Model(&models.CertificateRecord{})
	if f.Start != nil {
		q = q.Where("created_at >= ?", f.Start.UTC())
	}
	if f.End != nil {
		q = q.Where("created_at <= ?", f.End.UTC())
	}
	if f.Unique != nil {
		q = q.Where("is_repeated = ?", !*f.Unique)
	}

	var recs []models.CertificateRecord
	err := q.Select("uuid", "created_at", "identity_header", "identity_error", "cert_url",
		"cert_url_found", "origination", "ocn", "not_after", "is_repeated").
		Order("created_at DESC").
		Limit(f.EffectiveLimit()).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}

	out := make([]models.CertificateSummary, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Summary())
	}
	return out, nil
}

// IsCompanyOptedOut implements Store.
func (s *SQLite) IsCompanyOptedOut(ctx context.Context, company string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.OptOutCompany{}).Where("company = ?", company).Count(&n).Error
	return n > 0, err
}

// UpsertOptOutCompany implements Store.
func (s *SQLite) UpsertOptOutCompany(ctx context.Context, company string) error {
	row := models.OptOutCompany{UUID: uuid.NewString(), Company: company, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "company"}}, DoNothing: true}).
		Create(&row).Error
}

// DeleteOptOutCompany implements Store.
func (s *SQLite) DeleteOptOutCompany(ctx context.Context, company string) error {
	return s.db.WithContext(ctx).Where("company = ?", company).Delete(&models.OptOutCompany{}).Error
}

// IsEmailOptedOut implements Store.
func (s *SQLite) IsEmailOptedOut(ctx context.Context, email string) (bool, error) {
	var pref models.EmailPreference
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return pref.OptedOut, nil
}

// UpsertEmailPreference implements Store.
func (s *SQLite) UpsertEmailPreference(ctx context.Context, email string, optedOut bool) error {
	now := time.Now().UTC()
	pref := models.EmailPreference{Email: email, OptedOut: optedOut, CreatedAt: now, UpdatedAt: now}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"opted_out", "updated_at"}),
		}).
		Create(&pref).Error
}

// InsertEmailEvent implements Store.
func (s *SQLite) InsertEmailEvent(ctx context.Context, ev *models.EmailEvent) error {
	if ev.UUID == "" {
		ev.UUID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(ev).Error
}

// GetAdminByEmail implements Store.
func (s *SQLite) GetAdminByEmail(ctx context.Context, email string) (*models.AdminUser, error) {
	var u models.AdminUser
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertAdmin implements Store.
func (s *SQLite) UpsertAdmin(ctx context.Context, u *models.AdminUser) error {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"password"}),
		}).
		Create(u).Error
}

// EmailEvents returns logged outreach emails for a certificate.
func (s *SQLite) EmailEvents(ctx context.Context, certificateUUID string) ([]models.EmailEvent, error) {
	var evs []models.EmailEvent
	err := s.db.WithContext(ctx).Where("certificate_uuid = ?", certificateUUID).Order("created_at").Find(&evs).Error
	return evs, err
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
