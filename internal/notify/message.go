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

package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/stiwatch/ingestion/internal/certs"
	"github.com/stiwatch/ingestion/internal/config"
	"github.com/stiwatch/ingestion/internal/models"
)

// Category selects the email template for a failure. Values are listed in
// precedence order.
type Category int

const (
	CategoryNotDownloaded Category = iota + 1
	CategoryInvalidIdentity
	CategoryExpired
	CategoryInvalid
)

func (c Category) String() string {
	switch c {
	case CategoryNotDownloaded:
		return "not_downloaded"
	case CategoryInvalidIdentity:
		return "invalid_identity"
	case CategoryExpired:
		return "expired"
	case CategoryInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Classify picks the category for rec as of now.
func Classify(rec *models.CertificateRecord, now time.Time) Category {
	switch {
	case !rec.CertURLFound:
		return CategoryNotDownloaded
	case strings.Contains(rec.IdentityError, certs.SignatureValidationFailed):
		return CategoryInvalidIdentity
	case expiredAsOf(rec.NotAfter, now):
		return CategoryExpired
	default:
		return CategoryInvalid
	}
}

// expiredAsOf reports whether notAfter has passed or falls on now's local day.
func expiredAsOf(notAfter string, now time.Time) bool {
	t, err := time.Parse(time.RFC3339, notAfter)
	if err != nil {
		return false
	}
	if !t.After(now) {
		return true
	}
	ty, tm, td := t.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	return ty == ny && tm == nm && td == nd
}

// Message is a composed email.
type Message struct {
	To       string   `json:"to_email"`
	Subject  string   `json:"subject"`
	Content  string   `json:"content"`
	Category Category `json:"-"`
}

const outreachText = `Hi {{.FirstName}},

This is a courtesy email to let you know that we have detected your OCN {{.Company}} generating an invalid identity header. The identity header in question is:

{{.Identity}}

Error:
{{.Error}}

{{.ProviderName}} is a certified STIR/SHAKEN certificate authority and can issue a valid certificate to resolve this issue.
{{- if .Pricing}}

Pricing:
{{- range .Pricing}}
  {{.}}
{{- end}}
{{- end}}

During your subscription you can generate unlimited certificates, host them in our certificate repository, and turn on auto-renewal so your calls never carry an expired certificate.
{{- if .SignupURL}}

Getting started is simple: register at {{.SignupURL}} and generate your certificate in a few clicks.
{{- end}}
{{- if .SupportEmail}}

If you need assistance, contact us at {{.SupportEmail}} and we will be happy to help.
{{- end}}

Best regards,
{{.ProviderName}} Team
`

var outreachTmpl = template.Must(template.New("outreach").Parse(outreachText))

type outreachData struct {
	FirstName    string
	Company      string
	Identity     string
	Error        string
	ProviderName string
	Pricing      []string
	SignupURL    string
	SupportEmail string
}

// companyLabel is the organization name used in subjects.
func companyLabel(rec *models.CertificateRecord) string {
	switch {
	case rec.Origination != "":
		return rec.Origination
	case rec.OCN != "":
		return rec.OCN
	default:
		return "unknown"
	}
}

// compose renders the message for category c. recipient may be nil.
func compose(c Category, rec *models.CertificateRecord, recipient *models.Recipient, outreach config.OutreachConfig) (*Message, error) {
	company := companyLabel(rec)
	msg := &Message{Category: c}
	if recipient != nil {
		msg.To = recipient.Email
	}

	switch c {
	case CategoryNotDownloaded:
		msg.Subject = "Notification: Certificate Not Downloaded for OCN " + company
		msg.Content = "Certificate URL could not be accessed for OCN " + company
	case CategoryInvalidIdentity:
		msg.Subject = "Notification: Invalid Identity SHAKEN for OCN " + company
		data := outreachData{
			Company:      company,
			Identity:     rec.IdentityHeader,
			Error:        rec.IdentityError,
			ProviderName: outreach.ProviderName,
			Pricing:      outreach.Pricing,
			SignupURL:    outreach.SignupURL,
			SupportEmail: outreach.SupportEmail,
		}
		if data.ProviderName == "" {
			data.ProviderName = "STI-CA"
		}
		if recipient != nil {
			data.FirstName = recipient.FirstName
		}
		var buf bytes.Buffer
		if err := outreachTmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render outreach template: %w", err)
		}
		msg.Content = buf.String()
	case CategoryExpired:
		msg.Subject = "Notification: Expired Certificate for OCN " + company
		msg.Content = fmt.Sprintf("Certificate has expired for OCN %s\nExpiry date: %s", company, rec.NotAfter)
	default:
		msg.Subject = "Notification: Invalid Certificate for OCN " + company
		msg.Content = fmt.Sprintf("Invalid certificate detected for OCN %s\nError: %s", company, rec.IdentityError)
	}
	return msg, nil
}

// chatText is the fixed chat alert.
func chatText(rec *models.CertificateRecord) string {
	return fmt.Sprintf("New Certificate Alert:\nIdentity: %s\nExpiry: %s", rec.IdentityHeader, rec.NotAfter)
}

// emailEvent is the audit row for an outreach send.
func emailEvent(rec *models.CertificateRecord, to string) *models.EmailEvent {
	company := companyLabel(rec)
	reason := rec.IdentityError
	if reason == "" {
		reason = "No specific error"
	}
	return &models.EmailEvent{
		Email:            to,
		Subject:          "Certificate Alert for " + company,
		Content:          fmt.Sprintf("Certificate alert for company %s: %s", company, reason),
		NotificationType: "certificate_alert",
		CertificateUUID:  rec.UUID,
	}
}
