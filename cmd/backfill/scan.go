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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stiwatch/ingestion/internal/certs"
	"github.com/stiwatch/ingestion/internal/config"
	"github.com/stiwatch/ingestion/internal/dedup"
	"github.com/stiwatch/ingestion/internal/directory"
	"github.com/stiwatch/ingestion/internal/ledger"
	"github.com/stiwatch/ingestion/internal/notify"
	"github.com/stiwatch/ingestion/internal/pipeline"
	"github.com/stiwatch/ingestion/internal/scanner"
	"github.com/stiwatch/ingestion/internal/store"
)

type scanScope int

const (
	scanText scanScope = iota
	scanBatch
	scanAll
)

func runScan(ctx context.Context, scope scanScope) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	switch scope {
	case scanText:
		if scanDir != "" {
			cfg.TextLogDir = scanDir
		}
		cfg.BatchLogDir = ""
		if cfg.TextLogDir == "" {
			return fmt.Errorf("no text log directory: set scan.text_dir, SRC_LOG_PATH or --dir")
		}
	case scanBatch:
		if scanDir != "" {
			cfg.BatchLogDir = scanDir
		}
		cfg.TextLogDir = ""
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	proc, cleanup, err := buildProcessor(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	sc := scanner.New(scanner.Config{
		TextDir:     cfg.TextLogDir,
		BatchDir:    cfg.BatchLogDir,
		Concurrency: cfg.ScanConcurrency,
	}, ledger.New(cfg.LedgerPath), proc)

	var files, records, failed, errs int
	for _, res := range sc.ScanAll(ctx) {
		files += res.Processed
		records += res.Records
		failed += res.Failed
		errs += res.Errors
	}

	slog.Info("backfill complete",
		"files", files,
		"records", records,
		"failed_records", failed,
		"file_errors", errs,
		"elapsed", time.Since(start),
	)
	if errs > 0 {
		return fmt.Errorf("%d file(s) could not be processed; see log", errs)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	pg, err := store.NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

// buildProcessor wires the same per-record pipeline as the service.
func buildProcessor(ctx context.Context, cfg *config.Config, st store.Store) (*pipeline.Processor, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	decoder, err := certs.NewToolDecoder(cfg.CertDecoder, cfg.IdentityDecoder, cfg.ToolTimeout)
	if err != nil {
		return nil, cleanup, fmt.Errorf("configure decoder tools: %w", err)
	}
	resolver := certs.NewResolver(certs.NewFetcher(nil, cfg.FetchTimeout, cfg.FetchRatePerSecond), decoder)

	var opts []pipeline.Option
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { rdb.Close() })
		opts = append(opts, pipeline.WithClaimer(dedup.NewClaimer(rdb)))
	}

	if noNotify {
		slog.Info("notifications disabled for this run")
		return pipeline.NewProcessor(resolver, st, nil, opts...), cleanup, nil
	}

	dir := directory.New(nil, cfg.RecipientOverrides)
	if cfg.DirectoryURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DirectoryURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("create directory pool: %w", err)
		}
		closers = append(closers, pool.Close)
		dir = directory.New(pool, cfg.RecipientOverrides)
	}

	var (
		mailer notify.Mailer
		chat   notify.Chat
	)
	if cfg.SMTP.Host != "" {
		mailer = notify.NewSMTPMailer(ctx, cfg.SMTP)
	}
	if cfg.ChatWebhookURL != "" {
		chat = notify.NewChatClient(cfg.ChatWebhookURL, cfg.FetchTimeout)
	}
	notifier := notify.New(notify.Options{
		CCEmail:         cfg.CCEmail,
		EnableAutoEmail: cfg.EnableAutoEmail,
		Outreach:        cfg.Outreach,
	}, mailer, chat, dir, st)

	return pipeline.NewProcessor(resolver, st, notifier, opts...), cleanup, nil
}
