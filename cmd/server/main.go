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

// STIR/SHAKEN certificate alert service.
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Opens the certificate store (PostgreSQL or embedded SQLite)
//  3. Connects to Redis when configured (queue, notification claim, sessions)
//  4. Builds the resolver, notifier and per-record processor
//  5. Serves /api/logs, the admin API, /health and /metrics
//  6. Runs the queue worker pool and the periodic log-directory scanner
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stiwatch/ingestion/internal/api"
	"github.com/stiwatch/ingestion/internal/certs"
	"github.com/stiwatch/ingestion/internal/config"
	"github.com/stiwatch/ingestion/internal/dedup"
	"github.com/stiwatch/ingestion/internal/directory"
	"github.com/stiwatch/ingestion/internal/ledger"
	"github.com/stiwatch/ingestion/internal/notify"
	"github.com/stiwatch/ingestion/internal/pipeline"
	"github.com/stiwatch/ingestion/internal/queue"
	"github.com/stiwatch/ingestion/internal/scanner"
	"github.com/stiwatch/ingestion/internal/store"
)

const memoryQueueCapacity = 4096

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	slog.Info("starting certificate alert service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"text_dir", cfg.TextLogDir,
		"batch_dir", cfg.BatchLogDir,
		"scan_interval", cfg.ScanInterval,
		"workers", cfg.Workers,
		"redis", cfg.RedisURL != "",
		"smtp", cfg.SMTP.Host != "",
		"chat", cfg.ChatWebhookURL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var health []api.HealthCheck

	// --- Open Certificate Store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		pg, err := store.NewPostgres(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise certificate store", "error", err)
			os.Exit(1)
		}
		st = pg
		health = append(health, api.HealthCheck{Name: "postgres", Ping: pg.Ping})
	} else {
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			slog.Error("failed to open SQLite store", "error", err)
			os.Exit(1)
		}
		st = lite
		health = append(health, api.HealthCheck{Name: "sqlite", Ping: lite.Ping})
	}
	defer st.Close()

	// --- Subscriber Directory ---
	var dir *directory.Directory
	if cfg.DirectoryURL != "" {
		dirPool, err := pgxpool.New(ctx, cfg.DirectoryURL)
		if err != nil {
			slog.Error("failed to create directory pool", "error", err)
			os.Exit(1)
		}
		defer dirPool.Close()
		dir = directory.New(dirPool, cfg.RecipientOverrides)
		slog.Info("subscriber directory configured")
	} else {
		dir = directory.New(nil, cfg.RecipientOverrides)
		slog.Warn("no subscriber directory configured; only recipient overrides resolve")
	}

	// --- Connect to Redis (optional) ---
	var (
		q        queue.Queue
		sessions api.Sessions
		procOpts []pipeline.Option
		memQueue *queue.Memory
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		rq := queue.NewRedis(rdb, cfg.AlertQueue)
		if err := rq.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis", "queue", cfg.AlertQueue)

		q = rq
		sessions = api.NewRedisSessions(rdb, cfg.SessionTTL)
		procOpts = append(procOpts, pipeline.WithClaimer(dedup.NewClaimer(rdb)))
		health = append(health, api.HealthCheck{Name: "redis", Ping: rq.Ping})
	} else {
		memQueue = queue.NewMemory(memoryQueueCapacity)
		q = memQueue
		sessions = api.NewMemorySessions(cfg.SessionTTL)
		slog.Warn("no Redis configured; using in-process queue and sessions")
	}

	// --- Certificate Resolver ---
	decoder, err := certs.NewToolDecoder(cfg.CertDecoder, cfg.IdentityDecoder, cfg.ToolTimeout)
	if err != nil {
		slog.Error("invalid decoder tool configuration", "error", err)
		os.Exit(1)
	}
	fetcher := certs.NewFetcher(nil, cfg.FetchTimeout, cfg.FetchRatePerSecond)
	resolver := certs.NewResolver(fetcher, decoder)

	// --- Notifier ---
	var (
		mailer notify.Mailer
		chat   notify.Chat
	)
	if cfg.SMTP.Host != "" {
		mailer = notify.NewSMTPMailer(ctx, cfg.SMTP)
	} else {
		slog.Warn("SMTP not configured; carrier emails disabled")
	}
	if cfg.ChatWebhookURL != "" {
		chat = notify.NewChatClient(cfg.ChatWebhookURL, cfg.FetchTimeout)
	} else {
		slog.Warn("chat webhook not configured; chat alerts disabled")
	}
	notifier := notify.New(notify.Options{
		CCEmail:         cfg.CCEmail,
		EnableAutoEmail: cfg.EnableAutoEmail,
		Outreach:        cfg.Outreach,
	}, mailer, chat, dir, st)

	// --- Processor ---
	proc := pipeline.NewProcessor(resolver, st, notifier, procOpts...)

	// --- API Server ---
	handler := api.NewHandler(api.HandlerConfig{
		Queue:     q,
		Store:     st,
		Alerter:   proc,
		Previewer: notifier,
		Sessions:  sessions,
		Health:    health,
	})
	ready, err := api.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready

	var wg sync.WaitGroup

	// --- Worker Pool ---
	pool := pipeline.NewPool(q, proc, cfg.Workers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool failed", "error", err)
			cancel()
		}
	}()

	// --- Log Scanner ---
	if cfg.TextLogDir != "" || cfg.BatchLogDir != "" {
		sc := scanner.New(scanner.Config{
			TextDir:     cfg.TextLogDir,
			BatchDir:    cfg.BatchLogDir,
			Concurrency: cfg.ScanConcurrency,
		}, ledger.New(cfg.LedgerPath), proc)
		poller := scanner.NewPoller(sc, cfg.ScanInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	} else {
		slog.Warn("no log directories configured; scanner disabled")
	}

	slog.Info("certificate alert service running")

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	if memQueue != nil {
		memQueue.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("timed out waiting for background work to stop")
	}

	slog.Info("certificate alert service stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
