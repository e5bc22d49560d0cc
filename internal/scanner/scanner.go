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

// Package scanner discovers verification-failure log files on disk and
// hands their records to the pipeline.
//
// Two source modes exist. Text mode reads daily
// YYYY_MM_DD_shaken_verif_error.log files and splits them into blocks;
// batch mode decompresses *.gz / *.tar.gz files holding one JSON failure
// record per line. Both consult the processed-file ledger, skip files it
// already names, and mark a file only once every record it yielded has
// been processed.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stiwatch/ingestion/internal/ledger"
	"github.com/stiwatch/ingestion/internal/logparse"
	"github.com/stiwatch/ingestion/internal/metrics"
	"github.com/stiwatch/ingestion/internal/models"
)

// Mode selects a source format.
type Mode string

const (
	ModeText  Mode = "text"
	ModeBatch Mode = "batch"
)

var textLogPattern = regexp.MustCompile(`^\d{4}_\d{2}_\d{2}_shaken_verif_error\.log$`)

// Matches reports whether name is a source file for the mode.
func (m Mode) Matches(name string) bool {
	switch m {
	case ModeText:
		return textLogPattern.MatchString(name)
	case ModeBatch:
		return strings.HasSuffix(name, ".gz")
	default:
		return false
	}
}

// Handler processes one failure record end to end.
type Handler interface {
	Process(ctx context.Context, fr models.FailureRecord) (*models.CertificateRecord, error)
}

// FileHandler receives every record of one file at once. It returns how
// many records failed; a non-nil error leaves the file unmarked so the
// next cycle retries it.
type FileHandler interface {
	HandleFile(ctx context.Context, name string, recs []models.FailureRecord) (int, error)
}

// Config holds scanner settings. An empty directory disables its mode.
type Config struct {
	TextDir     string
	BatchDir    string
	Concurrency int
}

// Result summarises one pass over one mode's directory.
type Result struct {
	Mode      Mode
	Dir       string
	Processed int // files fully handled and marked
	Skipped   int // files already in the ledger
	Errors    int // files left unmarked for the next cycle
	Records   int
	Failed    int // records whose processing returned an error
	Elapsed   time.Duration
}

// Scanner runs scan passes against the configured directories.
type Scanner struct {
	cfg    Config
	ledger *ledger.Ledger
	files  FileHandler
}

// New creates a Scanner that processes records individually through h.
func New(cfg Config, l *ledger.Ledger, h Handler) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return NewForFiles(cfg, l, fanout{handler: h, limit: cfg.Concurrency})
}

// NewForFiles creates a Scanner that hands whole files to fh.
func NewForFiles(cfg Config, l *ledger.Ledger, fh FileHandler) *Scanner {
	return &Scanner{cfg: cfg, ledger: l, files: fh}
}

// ScanAll runs every enabled mode in turn.
func (s *Scanner) ScanAll(ctx context.Context) []Result {
	var results []Result
	if s.cfg.TextDir != "" {
		results = append(results, s.Scan(ctx, ModeText))
	}
	if s.cfg.BatchDir != "" {
		results = append(results, s.Scan(ctx, ModeBatch))
	}
	return results
}

// Scan performs one pass for mode. Failures are logged and counted in the
// Result; they never abort the pass.
func (s *Scanner) Scan(ctx context.Context, mode Mode) Result {
	start := time.Now()
	dir := s.dir(mode)
	res := Result{Mode: mode, Dir: dir}
	defer func() {
		res.Elapsed = time.Since(start)
		metrics.Get().ScanDuration.WithLabelValues(string(mode)).Observe(res.Elapsed.Seconds())
	}()

	s.ledger.Load()

	names, err := listSources(dir, mode)
	if err != nil {
		slog.Error("failed to read log directory", "mode", mode, "dir", dir, "error", err)
		res.Errors++
		return res
	}

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if s.ledger.Has(name) {
			res.Skipped++
			metrics.Get().FilesScanned.WithLabelValues(string(mode), "skipped").Inc()
			continue
		}

		recs, err := s.read(mode, filepath.Join(dir, name))
		if err != nil {
			slog.Error("failed to read log file", "mode", mode, "file", name, "error", err)
			res.Errors++
			metrics.Get().FilesScanned.WithLabelValues(string(mode), "error").Inc()
			continue
		}

		failed, err := s.files.HandleFile(ctx, name, recs)
		if err != nil {
			slog.Error("failed to hand off log file", "mode", mode, "file", name, "error", err)
			res.Errors++
			metrics.Get().FilesScanned.WithLabelValues(string(mode), "error").Inc()
			continue
		}
		if ctx.Err() != nil {
			// Interrupted mid-file; leave it for the next run.
			res.Errors++
			break
		}
		s.ledger.Record(name)

		res.Processed++
		res.Records += len(recs)
		res.Failed += failed
		metrics.Get().FilesScanned.WithLabelValues(string(mode), "processed").Inc()
		metrics.Get().RecordsIngress.WithLabelValues(string(mode)).Add(float64(len(recs)))
		slog.Info("processed log file", "mode", mode, "file", name, "records", len(recs), "failed", failed)
	}

	slog.Info("scan complete",
		"mode", mode,
		"dir", dir,
		"processed", res.Processed,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"records", res.Records,
	)
	return res
}

func (s *Scanner) dir(mode Mode) string {
	if mode == ModeText {
		return s.cfg.TextDir
	}
	return s.cfg.BatchDir
}

// read loads the records of one file. A batch file that opens but does
// not decompress yields no records and no error, so it is still marked.
func (s *Scanner) read(mode Mode, path string) ([]models.FailureRecord, error) {
	switch mode {
	case ModeText:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return logparse.ParseBlocks(string(data)), nil
	case ModeBatch:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		recs, err := logparse.ReadBatch(f)
		if err != nil {
			slog.Error("failed to decompress batch file", "file", filepath.Base(path), "error", err)
			return nil, nil
		}
		return recs, nil
	default:
		return nil, fmt.Errorf("unknown scan mode %q", mode)
	}
}

// fanout runs every record of a file through a Handler with bounded
// concurrency. Cancellation stops new records from starting; records
// already started run to completion.
type fanout struct {
	handler Handler
	limit   int
}

func (f fanout) HandleFile(ctx context.Context, name string, recs []models.FailureRecord) (int, error) {
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(f.limit)

	failed := make([]bool, len(recs))
	for i := range recs {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if _, err := f.handler.Process(runCtx, recs[i]); err != nil {
				slog.Error("failed to process record", "file", name, "error", err)
				failed[i] = true
			}
			return nil
		})
	}
	g.Wait()

	n := 0
	for _, bad := range failed {
		if bad {
			n++
		}
	}
	return n, nil
}

func listSources(dir string, mode Mode) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && mode.Matches(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
