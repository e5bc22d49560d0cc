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

package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeRow struct {
	email     string
	firstName *string
	err       error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.email
	*dest[1].(**string) = r.firstName
	return nil
}

type fakeQuerier struct {
	rows    map[string]fakeRow
	queried []string
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	company := args[0].(string)
	q.queried = append(q.queried, company)
	if row, ok := q.rows[company]; ok {
		return row
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func TestLookup(t *testing.T) {
	name := "Dana"
	q := &fakeQuerier{rows: map[string]fakeRow{
		"Example Telecom": {email: "noc@example.net", firstName: &name},
		"No Name Tel":     {email: "ops@nonametel.example"},
		"Broken":          {err: errors.New("connection reset")},
	}}
	d := New(q, map[string]string{" Override Co ": "override@example.org"})
	ctx := context.Background()

	r, err := d.Lookup(ctx, "Example Telecom")
	if err != nil || r == nil || r.Email != "noc@example.net" || r.FirstName != "Dana" {
		t.Errorf("Example Telecom = %+v, %v", r, err)
	}

	r, err = d.Lookup(ctx, "No Name Tel")
	if err != nil || r == nil || r.FirstName != "" {
		t.Errorf("No Name Tel = %+v, %v", r, err)
	}

	r, err = d.Lookup(ctx, "override co")
	if err != nil || r == nil || r.Email != "override@example.org" {
		t.Errorf("override = %+v, %v", r, err)
	}
	for _, c := range q.queried {
		if c == "override co" {
			t.Error("override should not reach the database")
		}
	}

	r, err = d.Lookup(ctx, "Unknown")
	if err != nil || r != nil {
		t.Errorf("Unknown = %+v, %v; want nil, nil", r, err)
	}

	if _, err := d.Lookup(ctx, "Broken"); err == nil {
		t.Error("expected error from failing query")
	}
}

func TestLookupWithoutDatabase(t *testing.T) {
	d := New(nil, nil)
	r, err := d.Lookup(context.Background(), "Example Telecom")
	if err != nil || r != nil {
		t.Errorf("got %+v, %v; want nil, nil", r, err)
	}
}
