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

package certs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxCertSize bounds how much of a certificate response is read.
const maxCertSize = 1 << 20

// Fetcher downloads certificates over HTTPS. There is no retry: one failed
// attempt is a resolution failure for that record.
type Fetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewFetcher creates a certificate fetcher. A nil httpClient gets one with
// the given timeout; ratePerSecond <= 0 disables pacing.
func NewFetcher(httpClient *http.Client, timeout time.Duration, ratePerSecond float64) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &Fetcher{httpClient: httpClient, limiter: limiter}
}

// Fetch retrieves the certificate at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for fetch slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/pem-certificate-chain, application/x-pem-file, */*")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("certificate host returned HTTP %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("certificate host returned an empty body for %s", url)
	}
	return body, nil
}
