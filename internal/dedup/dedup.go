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

// Package dedup claims the right to notify about a certificate URL once per
// local calendar day using Redis SETNX. It narrows the window in which two
// concurrent novel failures for the same certificate both notify; the
// persisted is_repeated flag is still decided from the store.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/xxh3"
)

const (
	// DefaultTTL outlives one local day in any timezone.
	DefaultTTL = 36 * time.Hour

	keyPrefix = "stiwatch:notified:"
)

// Claimer hands out one notification claim per certificate URL per day.
type Claimer struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClaimer creates a claimer backed by Redis.
func NewClaimer(rdb *redis.Client) *Claimer {
	return &Claimer{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// Claim returns true if no notification for certURL has been claimed on
// the local calendar day containing at. The claim is taken atomically.
func (c *Claimer) Claim(ctx context.Context, certURL string, at time.Time) (bool, error) {
	set, err := c.rdb.SetNX(ctx, claimKey(certURL, at), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// claimKey hashes the URL so arbitrarily long certificate URLs give
// fixed-size keys.
func claimKey(certURL string, at time.Time) string {
	return fmt.Sprintf("%s%016x:%s", keyPrefix, xxh3.HashString(certURL), at.Local().Format("2006-01-02"))
}
