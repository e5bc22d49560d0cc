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

import "context"

// CertFetcher retrieves raw certificate bytes.
type CertFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Resolver combines fetching and decoding into the two lookups the
// pipeline needs per failure.
type Resolver struct {
	fetcher CertFetcher
	decoder Decoder
}

// NewResolver creates a Resolver.
func NewResolver(fetcher CertFetcher, decoder Decoder) *Resolver {
	return &Resolver{fetcher: fetcher, decoder: decoder}
}

// Resolve downloads and decodes the certificate at url.
func (r *Resolver) Resolve(ctx context.Context, url string) ([]byte, string, error) {
	raw, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, "", err
	}
	clearText, err := r.decoder.DecodeCertificate(ctx, raw)
	if err != nil {
		return raw, "", err
	}
	return raw, clearText, nil
}

// RoutingMetadata decodes header with the identity tool. A tool failure
// yields empty numbers and the failure reason as the structured error.
func (r *Resolver) RoutingMetadata(ctx context.Context, header string) RoutingMetadata {
	out, err := r.decoder.DecodeIdentity(ctx, header)
	if err != nil {
		return RoutingMetadata{StructuredError: err.Error()}
	}
	return ParseIdentityOutput(out)
}
