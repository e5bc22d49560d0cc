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

// Package logparse extracts FailureRecords from SHAKEN verification logs.
//
// Text logs are sequences of blocks separated by a double "==========" line.
// A block is accepted only when its first non-blank line is an Identity line
// and exactly three "[ERR n]" lines follow. Batch logs are gzip-compressed
// newline-delimited JSON, one FailureRecord object per line.
package logparse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/stiwatch/ingestion/internal/models"
)

// BlockDelimiter separates report blocks in a text log.
const BlockDelimiter = "==========\n==========\n"

// errorsPerBlock is the number of verification stages in one report.
const errorsPerBlock = 3

var (
	identityRe = regexp.MustCompile(`Identity: '(.+)'`)
	errLineRe  = regexp.MustCompile(`\[ERR \d+\] (.+)`)
)

// ParseBlocks returns one FailureRecord per well-formed block in content.
// Malformed blocks are dropped without error.
func ParseBlocks(content string) []models.FailureRecord {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	var records []models.FailureRecord
	for _, block := range strings.Split(content, BlockDelimiter) {
		if rec, ok := ParseBlock(block); ok {
			records = append(records, rec)
		}
	}
	return records
}

// ParseBlock parses a single report block.
func ParseBlock(block string) (models.FailureRecord, bool) {
	var lines []string
	for _, line := range strings.Split(block, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return models.FailureRecord{}, false
	}

	m := identityRe.FindStringSubmatch(lines[0])
	if m == nil {
		return models.FailureRecord{}, false
	}

	var errs []string
	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, "[ERR") {
			continue
		}
		if em := errLineRe.FindStringSubmatch(line); em != nil {
			errs = append(errs, em[1])
		}
	}
	if len(errs) != errorsPerBlock {
		return models.FailureRecord{}, false
	}

	return models.FailureRecord{
		Identity: m[1],
		Err0:     errs[0],
		Err1:     errs[1],
		Err2:     errs[2],
	}, true
}

// ReadBatch decompresses a gzip stream and decodes its NDJSON lines.
// Lines that are not valid JSON objects are skipped. An error is returned
// only when the stream cannot be decompressed.
func ReadBatch(r io.Reader) ([]models.FailureRecord, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}
	return DecodeNDJSON(data), nil
}

// DecodeNDJSON decodes newline-delimited FailureRecord objects.
func DecodeNDJSON(data []byte) []models.FailureRecord {
	var records []models.FailureRecord

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec models.FailureRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Debug("skipping malformed batch line", "line", n, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("batch scan stopped early", "line", n, "error", err)
	}
	return records
}
