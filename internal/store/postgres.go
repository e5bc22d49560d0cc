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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stiwatch/ingestion/internal/models"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by pool and ensures its tables exist.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure certificate schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS certificates (
			uuid            TEXT PRIMARY KEY,
			identity_header TEXT NOT NULL DEFAULT '',
			err1            TEXT NOT NULL DEFAULT '',
			err2            TEXT NOT NULL DEFAULT '',
			err3            TEXT NOT NULL DEFAULT '',
			cert_url        TEXT,
			cert_url_found  BOOLEAN NOT NULL DEFAULT FALSE,
			certificate     TEXT,
			clear_text_cert TEXT,
			signature       TEXT NOT NULL DEFAULT '',
			ani             TEXT NOT NULL DEFAULT '',
			dnis            TEXT NOT NULL DEFAULT '',
			ca              TEXT NOT NULL DEFAULT '',
			not_before      TEXT NOT NULL DEFAULT '',
			not_after       TEXT NOT NULL DEFAULT '',
			ocn             TEXT NOT NULL DEFAULT '',
			origination     TEXT NOT NULL DEFAULT '',
			country         TEXT NOT NULL DEFAULT '',
			identity_error  TEXT NOT NULL DEFAULT '',
			is_repeated     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_certificates_url_created ON certificates(cert_url, created_at);
		CREATE INDEX IF NOT EXISTS idx_certificates_created ON certificates(created_at DESC);

		CREATE TABLE IF NOT EXISTS opt_out_companies (
			uuid       TEXT PRIMARY KEY,
			company    TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS email_preferences (
			email      TEXT PRIMARY KEY,
			opted_out  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS email_events (
			uuid              TEXT PRIMARY KEY,
			email             TEXT NOT NULL,
			subject           TEXT NOT NULL,
			content           TEXT NOT NULL,
			notification_type TEXT NOT NULL,
			certificate_uuid  TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_email_events_cert ON email_events(certificate_uuid);

		CREATE TABLE IF NOT EXISTS admin_auth (
			uuid       TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			password   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

const certificateColumns = `
	uuid, identity_header, err1, err2, err3, cert_url, cert_url_found,
	certificate, clear_text_cert, signature, ani, dnis, ca, not_before,
	not_after, ocn, origination, country, identity_error, is_repeated,
	created_at, updated_at`

// InsertCertificate writes rec once. A missing uuid is generated.
func (s *Postgres) InsertCertificate(ctx context.Context, rec *models.CertificateRecord) error {
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	prepareCertificate(rec)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (`+certificateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)
	`, rec.UUID, rec.IdentityHeader, rec.Err1, rec.Err2, rec.Err3, rec.CertURL, rec.CertURLFound,
		rec.Certificate, rec.ClearTextCert, rec.Signature, rec.ANI, rec.DNIS, rec.CA, rec.NotBefore,
		rec.NotAfter, rec.OCN, rec.Origination, rec.Country, rec.IdentityError, rec.IsRepeated,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert certificate %s: %w", rec.UUID, err)
	}
	return nil
}

// CountCertificatesSince implements Store.
func (s *Postgres) CountCertificatesSince(ctx context.Context, certURL string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM certificates WHERE cert_url = $1 AND created_at >= $2
	`, certURL, since.UTC()).Scan(&n)
	return n, err
}

// GetCertificate returns ErrNotFound for an unknown uuid.
func (s *Postgres) GetCertificate(ctx context.Context, id string) (*models.CertificateRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE uuid = $1`, id)
	rec, err := scanCertificate(row)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListCertificates returns summaries newest first.
func (s *Postgres) ListCertificates(ctx context.Context, f ListFilter) ([]models.CertificateSummary, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Start != nil {
		add("created_at >= $%d", f.Start.UTC())
	}
	if f.End != nil {
		add("created_at <= $%d", f.End.UTC())
	}
	if f.Unique != nil {
		add("is_repeated = $%d", !*f.Unique)
	}

	query := `
		SELECT uuid, created_at, identity_header, identity_error, cert_url,
		       cert_url_found, origination, ocn, not_after, is_repeated
		FROM certificates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	out := []models.CertificateSummary{}
	for rows.Next() {
		var c models.CertificateSummary
		if err := rows.Scan(&c.UUID, &c.CreatedAt, &c.IdentityHeader, &c.IdentityError, &c.CertURL,
			&c.CertURLFound, &c.Origination, &c.OCN, &c.NotAfter, &c.IsRepeated); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IsCompanyOptedOut implements Store.
func (s *Postgres) IsCompanyOptedOut(ctx context.Context, company string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM opt_out_companies WHERE company = $1)
	`, company).Scan(&exists)
	return exists, err
}

// UpsertOptOutCompany implements Store.
func (s *Postgres) UpsertOptOutCompany(ctx context.Context, company string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opt_out_companies (uuid, company) VALUES ($1, $2)
		ON CONFLICT (company) DO NOTHING
	`, uuid.NewString(), company)
	return err
}

// DeleteOptOutCompany implements Store.
func (s *Postgres) DeleteOptOutCompany(ctx context.Context, company string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM opt_out_companies WHERE company = $1`, company)
	return err
}

// IsEmailOptedOut implements Store.
func (s *Postgres) IsEmailOptedOut(ctx context.Context, email string) (bool, error) {
	var opted bool
	err := s.pool.QueryRow(ctx, `
		SELECT opted_out FROM email_preferences WHERE email = $1
	`, email).Scan(&opted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return opted, err
}

// UpsertEmailPreference implements Store.
func (s *Postgres) UpsertEmailPreference(ctx context.Context, email string, optedOut bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_preferences (email, opted_out) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET
			opted_out  = EXCLUDED.opted_out,
			updated_at = NOW()
	`, email, optedOut)
	return err
}

// InsertEmailEvent implements Store.
func (s *Postgres) InsertEmailEvent(ctx context.Context, ev *models.EmailEvent) error {
	if ev.UUID == "" {
		ev.UUID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_events (uuid, email, subject, content, notification_type, certificate_uuid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.UUID, ev.Email, ev.Subject, ev.Content, ev.NotificationType, ev.CertificateUUID, ev.CreatedAt)
	return err
}

// GetAdminByEmail returns ErrNotFound for an unknown address.
func (s *Postgres) GetAdminByEmail(ctx context.Context, email string) (*models.AdminUser, error) {
	var u models.AdminUser
	err := s.pool.QueryRow(ctx, `
		SELECT uuid, email, password, created_at FROM admin_auth WHERE email = $1
	`, email).Scan(&u.UUID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertAdmin creates an admin or replaces its password hash.
func (s *Postgres) UpsertAdmin(ctx context.Context, u *models.AdminUser) error {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_auth (uuid, email, password) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET password = EXCLUDED.password
	`, u.UUID, u.Email, u.PasswordHash)
	return err
}

// Ping implements Store.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// scanCertificate scans a single row into a CertificateRecord.
func scanCertificate(row pgx.Row) (*models.CertificateRecord, error) {
	var r models.CertificateRecord
	err := row.Scan(
		&r.UUID, &r.IdentityHeader, &r.Err1, &r.Err2, &r.Err3, &r.CertURL, &r.CertURLFound,
		&r.Certificate, &r.ClearTextCert, &r.Signature, &r.ANI, &r.DNIS, &r.CA, &r.NotBefore,
		&r.NotAfter, &r.OCN, &r.Origination, &r.Country, &r.IdentityError, &r.IsRepeated,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
