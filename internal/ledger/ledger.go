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

// Package ledger tracks which source log files have been fully processed.
//
// The durable form is an append-only text file with one "<RFC3339> - <filename>"
// line per processed file. The ledger is re-read at the start of every scan so
// that history survives restarts; entries recorded during this process whose
// append failed are kept in memory and merged into every reload.
package ledger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const separator = " - "

// Ledger is a filename-keyed processed-file record backed by a text file.
type Ledger struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
	// pending holds entries whose append failed; they stay remembered
	// for the lifetime of the process.
	pending map[string]time.Time
}

// New creates a Ledger stored at path. The file is created on first Record.
func New(path string) *Ledger {
	return &Ledger{
		path:    path,
		now:     time.Now,
		entries: make(map[string]time.Time),
		pending: make(map[string]time.Time),
	}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Load re-reads the ledger file into memory. A read failure is logged and an
// empty set (plus any pending in-process entries) is assumed.
func (l *Ledger) Load() {
	entries, err := readEntries(l.path)
	if err != nil {
		slog.Warn("ledger unreadable, assuming empty", "path", l.path, "error", err)
		entries = make(map[string]time.Time)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for name, at := range l.pending {
		if _, ok := entries[name]; !ok {
			entries[name] = at
		}
	}
	l.entries = entries
}

// Has reports whether filename has been recorded.
func (l *Ledger) Has(filename string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[filename]
	return ok
}

// Len returns the number of known entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Record marks filename as processed. The line is appended and synced
// before Record returns; if that fails the error is logged and the entry is
// remembered in memory only.
func (l *Ledger) Record(filename string) {
	at := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[filename] = at
	if err := l.appendLine(filename, at); err != nil {
		slog.Error("failed to append ledger entry", "path", l.path, "file", filename, "error", err)
		l.pending[filename] = at
		return
	}
	delete(l.pending, filename)
}

func (l *Ledger) appendLine(filename string, at time.Time) error {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	line := at.Format(time.RFC3339Nano) + separator + filename + "\n"
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}

// readEntries parses the ledger file. A missing file is an empty ledger.
func readEntries(path string) (map[string]time.Time, error) {
	entries := make(map[string]time.Time)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		ts, name, ok := strings.Cut(sc.Text(), separator)
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		at, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts))
		entries[name] = at
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entries, nil
}
