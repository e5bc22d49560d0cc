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

// Package forward ships parsed failure records from a collector host to a
// remote alert service's /api/logs endpoint.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stiwatch/ingestion/internal/models"
)

// batchRequest mirrors the /api/logs body.
type batchRequest struct {
	Errors    []models.FailureRecord `json:"errors"`
	Timestamp string                 `json:"timestamp"`
	Filename  string                 `json:"filename"`
}

type batchResponse struct {
	Success bool     `json:"success"`
	UUIDs   []string `json:"uuids"`
	Message string   `json:"message"`
}

// Client posts one file's records per request.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a Client for the /api/logs URL.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// HandleFile sends recs and reports no per-record failures; the remote
// service owns processing. Files without records are not sent.
func (c *Client) HandleFile(ctx context.Context, name string, recs []models.FailureRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(batchRequest{
		Errors:    recs,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Filename:  name,
	})
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("collector returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if !out.Success {
		return 0, fmt.Errorf("collector rejected batch: %s", out.Message)
	}

	slog.Info("forwarded failure batch", "file", name, "records", len(recs), "accepted", len(out.UUIDs))
	return 0, nil
}
