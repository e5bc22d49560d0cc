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
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/stiwatch/ingestion/internal/config"
	"github.com/stiwatch/ingestion/internal/models"
)

var adminEmail string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage admin API logins",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or reset an admin login (password read from ADMIN_PASSWORD or stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		email := strings.ToLower(strings.TrimSpace(adminEmail))
		if email == "" {
			return fmt.Errorf("--email is required")
		}

		password := os.Getenv("ADMIN_PASSWORD")
		if password == "" {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password from stdin: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if len(password) < 8 {
			return fmt.Errorf("password must be at least 8 characters")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpsertAdmin(cmd.Context(), &models.AdminUser{Email: email, PasswordHash: string(hash)}); err != nil {
			return fmt.Errorf("save admin: %w", err)
		}
		slog.Info("admin login saved", "email", email)
		return nil
	},
}

func init() {
	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "Admin email address")
	adminCmd.AddCommand(adminCreateCmd)
}
