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

// Package notify composes and delivers failure notifications: a templated
// email to the carrier contact and a fixed-format chat webhook message.
// Delivery is best-effort; failures are logged and counted, never returned
// to the pipeline.
package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stiwatch/ingestion/internal/config"
	"github.com/stiwatch/ingestion/internal/metrics"
	"github.com/stiwatch/ingestion/internal/models"
)

// Mailer submits a composed email.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// Chat posts a text message to a chat webhook.
type Chat interface {
	Post(ctx context.Context, text string) error
}

// RecipientLookup resolves a carrier contact by organization.
type RecipientLookup interface {
	Lookup(ctx context.Context, company string) (*models.Recipient, error)
}

// Preferences is the store surface the notifier reads and writes.
type Preferences interface {
	IsEmailOptedOut(ctx context.Context, email string) (bool, error)
	InsertEmailEvent(ctx context.Context, ev *models.EmailEvent) error
}

// Options configures composition.
type Options struct {
	// CCEmail receives short notices when no recipient resolves.
	CCEmail         string
	EnableAutoEmail bool
	Outreach        config.OutreachConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result reports what a Notify call delivered.
type Result struct {
	Category  Category `json:"category"`
	To        string   `json:"to_email"`
	EmailSent bool     `json:"email_sent"`
	ChatSent  bool     `json:"chat_sent"`
	// Skipped explains why the email was not attempted.
	Skipped string `json:"skipped,omitempty"`
}

// Notifier sends notifications for novel, non-suppressed failures.
// A nil Mailer or Chat disables that channel.
type Notifier struct {
	mailer Mailer
	chat   Chat
	dir    RecipientLookup
	prefs  Preferences
	opts   Options
}

// New creates a Notifier.
func New(opts Options, mailer Mailer, chat Chat, dir RecipientLookup, prefs Preferences) *Notifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Notifier{mailer: mailer, chat: chat, dir: dir, prefs: prefs, opts: opts}
}

// Preview composes the email for rec without sending it. To is empty when
// no recipient would receive it.
func (n *Notifier) Preview(ctx context.Context, rec *models.CertificateRecord) (*Message, error) {
	msg, _, err := n.prepare(ctx, rec)
	return msg, err
}

// prepare classifies rec, resolves the recipient and renders the email.
// The returned reason is non-empty when the email must not be sent.
func (n *Notifier) prepare(ctx context.Context, rec *models.CertificateRecord) (*Message, string, error) {
	cat := Classify(rec, n.opts.Now())

	var recipient *models.Recipient
	if n.dir != nil && rec.Origination != "" {
		r, err := n.dir.Lookup(ctx, rec.Origination)
		if err != nil {
			slog.Error("recipient lookup failed", "uuid", rec.UUID, "company", rec.Origination, "error", err)
		} else {
			recipient = r
		}
	}
	if recipient == nil && cat != CategoryInvalidIdentity && n.opts.CCEmail != "" {
		recipient = &models.Recipient{Email: n.opts.CCEmail}
	}

	msg, err := compose(cat, rec, recipient, n.opts.Outreach)
	if err != nil {
		return nil, "", err
	}
	if msg.To == "" {
		return msg, "no recipient", nil
	}
	return msg, "", nil
}

// Notify delivers the email and chat alert for rec concurrently.
func (n *Notifier) Notify(ctx context.Context, rec *models.CertificateRecord) Result {
	m := metrics.Get()

	msg, skip, err := n.prepare(ctx, rec)
	if err != nil {
		slog.Error("failed to compose notification", "uuid", rec.UUID, "error", err)
		skip = "compose failed"
	}

	res := Result{Skipped: skip}
	if msg != nil {
		res.Category = msg.Category
		res.To = msg.To
	}
	category := res.Category.String()

	if skip == "" && n.prefs != nil {
		opted, err := n.prefs.IsEmailOptedOut(ctx, msg.To)
		if err != nil {
			slog.Warn("email preference lookup failed, sending anyway", "email", msg.To, "error", err)
		} else if opted {
			slog.Info("skipping email for opted-out address", "uuid", rec.UUID, "email", msg.To)
			res.Skipped = "email opted out"
		}
	}
	if res.Skipped == "" && n.mailer == nil {
		res.Skipped = "mail disabled"
	}

	var g errgroup.Group

	if res.Skipped == "" {
		g.Go(func() error {
			if err := n.mailer.Send(ctx, msg); err != nil {
				slog.Error("failed to send alert email", "uuid", rec.UUID, "email", msg.To, "category", category, "error", err)
				m.NotificationsSent.WithLabelValues("email", category, "error").Inc()
			} else {
				slog.Info("alert email sent", "uuid", rec.UUID, "email", msg.To, "category", category)
				m.NotificationsSent.WithLabelValues("email", category, "sent").Inc()
				res.EmailSent = true
			}

			if msg.Category == CategoryInvalidIdentity && n.opts.EnableAutoEmail && n.prefs != nil {
				if err := n.prefs.InsertEmailEvent(ctx, emailEvent(rec, msg.To)); err != nil {
					slog.Error("failed to record email event", "uuid", rec.UUID, "error", err)
				} else {
					slog.Info("recorded email event", "uuid", rec.UUID, "email", msg.To)
				}
			}
			return nil
		})
	} else {
		slog.Info("email not sent", "uuid", rec.UUID, "category", category, "reason", res.Skipped)
		m.NotificationsSent.WithLabelValues("email", category, "skipped").Inc()
	}

	if n.chat != nil {
		g.Go(func() error {
			if err := n.chat.Post(ctx, chatText(rec)); err != nil {
				slog.Error("failed to post chat alert", "uuid", rec.UUID, "error", err)
				m.NotificationsSent.WithLabelValues("chat", category, "error").Inc()
				return nil
			}
			slog.Info("chat alert posted", "uuid", rec.UUID)
			m.NotificationsSent.WithLabelValues("chat", category, "sent").Inc()
			res.ChatSent = true
			return nil
		})
	}

	g.Wait()
	return res
}
