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

// Package directory resolves the carrier contact to notify for an
// originating organization: config-driven overrides first, then the
// external subscriber table.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/stiwatch/ingestion/internal/models"
)

// Querier is the part of *pgxpool.Pool the directory needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Directory looks up recipients by company.
type Directory struct {
	db        Querier
	overrides map[string]string
}

// New creates a Directory. db may be nil, in which case only overrides resolve.
// Override keys match company names case-insensitively.
func New(db Querier, overrides map[string]string) *Directory {
	folded := make(map[string]string, len(overrides))
	for company, email := range overrides {
		folded[strings.ToLower(strings.TrimSpace(company))] = strings.TrimSpace(email)
	}
	if len(folded) > 0 {
		slog.Info("using recipient overrides", "count", len(folded))
	}
	return &Directory{db: db, overrides: folded}
}

// Lookup returns the active subscriber contact for company, or nil if none.
func (d *Directory) Lookup(ctx context.Context, company string) (*models.Recipient, error) {
	if email, ok := d.overrides[strings.ToLower(strings.TrimSpace(company))]; ok && email != "" {
		return &models.Recipient{Email: email}, nil
	}
	if d.db == nil || company == "" {
		return nil, nil
	}

	var (
		r         models.Recipient
		firstName *string
	)
	err := d.db.QueryRow(ctx, `
		SELECT DISTINCT email, first_name
		FROM sp
		WHERE status = 'Active' AND company = $1 AND email IS NOT NULL
		LIMIT 1
	`, company).Scan(&r.Email, &firstName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscriber for %q: %w", company, err)
	}
	if firstName != nil {
		r.FirstName = *firstName
	}
	return &r, nil
}
