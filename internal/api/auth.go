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

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/stiwatch/ingestion/internal/store"
)

// ErrNoSession is returned when a token is unknown or expired.
var ErrNoSession = errors.New("session not found")

// Sessions issues and resolves admin bearer tokens.
type Sessions interface {
	Create(ctx context.Context, email string) (string, error)
	Lookup(ctx context.Context, token string) (string, error)
}

type session struct {
	email   string
	expires time.Time
}

// MemorySessions keeps tokens in process memory. Tokens do not survive a
// restart.
type MemorySessions struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	tokens map[string]session
}

// NewMemorySessions creates an in-memory session store.
func NewMemorySessions(ttl time.Duration) *MemorySessions {
	return &MemorySessions{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]session),
	}
}

func (s *MemorySessions) Create(_ context.Context, email string) (string, error) {
	token := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for t, sess := range s.tokens {
		if !now.Before(sess.expires) {
			delete(s.tokens, t)
		}
	}
	s.tokens[token] = session{email: email, expires: now.Add(s.ttl)}
	return token, nil
}

func (s *MemorySessions) Lookup(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.tokens[token]
	if !ok {
		return "", ErrNoSession
	}
	if !s.now().Before(sess.expires) {
		delete(s.tokens, token)
		return "", ErrNoSession
	}
	return sess.email, nil
}

// RedisSessions keeps tokens in Redis with a TTL so several replicas
// share logins.
type RedisSessions struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSessions creates a Redis-backed session store.
func NewRedisSessions(rdb *redis.Client, ttl time.Duration) *RedisSessions {
	return &RedisSessions{rdb: rdb, ttl: ttl}
}

func sessionKey(token string) string {
	return "stiwatch:session:" + token
}

func (s *RedisSessions) Create(ctx context.Context, email string) (string, error) {
	token := uuid.New().String()
	if err := s.rdb.Set(ctx, sessionKey(token), email, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

func (s *RedisSessions) Lookup(ctx context.Context, token string) (string, error) {
	email, err := s.rdb.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	return email, nil
}

type adminKey struct{}

// AdminFromContext returns the authenticated admin email, if any.
func AdminFromContext(ctx context.Context) string {
	email, _ := ctx.Value(adminKey{}).(string)
	return email
}

// RequireAdmin rejects requests without a valid bearer token.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		email, err := h.sessions.Lookup(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrNoSession) {
				slog.Error("session lookup failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, email)))
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ServeLogin handles POST /api/admin/login.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	admin, err := h.store.GetAdminByEmail(r.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		admin, err = nil, nil
	}
	if err != nil {
		slog.Error("admin lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if admin == nil || bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)) != nil {
		slog.Warn("admin login rejected", "email", email)
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.sessions.Create(r.Context(), admin.Email)
	if err != nil {
		slog.Error("session create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	slog.Info("admin logged in", "email", admin.Email)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}
