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

// Certificate alert backfill and collector CLI.
//
// One-shot commands that run a single scan pass over log directories
// through the same pipeline the service uses, forward collector logs to a
// remote service, or manage admin logins.
//
// Usage:
//
//	backfill text  [--dir ./logs] [--no-notify]
//	backfill batch [--dir ./archive] [--no-notify]
//	backfill all   [--no-notify]
//	backfill forward --url https://alerts.example.net/api/logs [--dir /var/log/stir]
//	backfill admin create --email ops@example.net
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	noNotify bool
	scanDir  string
)

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "backfill - one-shot ingestion of STIR/SHAKEN verification failure logs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(logLevel),
		})))
	},
	SilenceUsage: true,
}

var textCmd = &cobra.Command{
	Use:   "text",
	Short: "Scan the text log directory once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), scanText)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Scan the gzip batch directory once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), scanBatch)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Scan every configured directory once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), scanAll)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	for _, c := range []*cobra.Command{textCmd, batchCmd} {
		c.Flags().StringVar(&scanDir, "dir", "", "Directory to scan (overrides configuration)")
	}
	for _, c := range []*cobra.Command{textCmd, batchCmd, allCmd} {
		c.Flags().BoolVar(&noNotify, "no-notify", false, "Persist records without sending email or chat alerts")
	}

	rootCmd.AddCommand(textCmd, batchCmd, allCmd, forwardCmd, adminCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
