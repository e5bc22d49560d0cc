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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/stiwatch/ingestion/internal/forward"
	"github.com/stiwatch/ingestion/internal/ledger"
	"github.com/stiwatch/ingestion/internal/scanner"
)

var (
	forwardURL     string
	forwardDir     string
	forwardLedger  string
	forwardTimeout time.Duration
	forwardEvery   time.Duration
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Parse local text logs and post their failures to a remote /api/logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if forwardURL == "" {
			return fmt.Errorf("--url or FORWARD_URL is required")
		}
		if forwardDir == "" {
			return fmt.Errorf("--dir or SRC_LOG_PATH is required")
		}
		ledgerPath := forwardLedger
		if ledgerPath == "" {
			ledgerPath = filepath.Join(forwardDir, "forwarded_file.log")
		}

		sc := scanner.NewForFiles(scanner.Config{TextDir: forwardDir},
			ledger.New(ledgerPath), forward.NewClient(forwardURL, forwardTimeout))

		if forwardEvery > 0 {
			scanner.NewPoller(sc, forwardEvery).Run(cmd.Context())
			return nil
		}

		res := sc.Scan(cmd.Context(), scanner.ModeText)
		slog.Info("forward complete", "files", res.Processed, "records", res.Records, "errors", res.Errors)
		if res.Errors > 0 {
			return fmt.Errorf("%d file(s) were not forwarded; see log", res.Errors)
		}
		return nil
	},
}

func init() {
	forwardCmd.Flags().StringVar(&forwardURL, "url", envOr("FORWARD_URL", ""), "Remote /api/logs URL")
	forwardCmd.Flags().StringVar(&forwardDir, "dir", envOr("SRC_LOG_PATH", ""), "Directory of YYYY_MM_DD_shaken_verif_error.log files")
	forwardCmd.Flags().StringVar(&forwardLedger, "ledger", "", "Forwarded-file ledger (default <dir>/forwarded_file.log)")
	forwardCmd.Flags().DurationVar(&forwardTimeout, "timeout", 30*time.Second, "Per-request timeout")
	forwardCmd.Flags().DurationVar(&forwardEvery, "every", 0, "Keep running and rescan at this interval (0 = single pass)")
}
