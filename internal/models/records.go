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

// Package models defines the data structures shared across the certificate
// alert pipeline: failure records parsed from verification logs, the
// persisted certificate record, and the suppression and audit rows the
// admin surface manages.
package models

import "time"

// FailureRecord is one SHAKEN verification failure as parsed from a log
// block or received from a remote collector. The three errors map to the
// fixed verification stages and their order is significant.
type FailureRecord struct {
	UUID     string `json:"uuid,omitempty"`
	Identity string `json:"identity"`
	Err0     string `json:"err0"`
	Err1     string `json:"err1"`
	Err2     string `json:"err2"`
}

// CertificateRecord is the persisted outcome of processing one FailureRecord.
// It is written once and never updated.
//
// The JSON names match what the admin UI reads.
type CertificateRecord struct {
	UUID           string  `json:"uuid" gorm:"column:uuid;primaryKey;size:36"`
	IdentityHeader string  `json:"identity_header" gorm:"column:identity_header;type:text;index"`
	Err1           string  `json:"err1" gorm:"column:err1;type:text"`
	Err2           string  `json:"err2" gorm:"column:err2;type:text"`
	Err3           string  `json:"err3" gorm:"column:err3;type:text"`
	CertURL        *string `json:"cert_url" gorm:"column:cert_url;type:text;index"`
	CertURLFound   bool    `json:"cert_url_found" gorm:"column:cert_url_found"`
	Certificate    *string `json:"certificate" gorm:"column:certificate;type:text"`
	ClearTextCert  *string `json:"clear_text_cert" gorm:"column:clear_text_cert;type:text"`

	Signature     string `json:"signature" gorm:"column:signature;type:text"`
	ANI           string `json:"ani" gorm:"column:ani;type:text"`
	DNIS          string `json:"dnis" gorm:"column:dnis;type:text"`
	CA            string `json:"CA" gorm:"column:ca;type:text"`
	NotBefore     string `json:"not_before" gorm:"column:not_before;type:text"`
	NotAfter      string `json:"not_after" gorm:"column:not_after;type:text;index"`
	OCN           string `json:"OCN" gorm:"column:ocn;type:text"`
	Origination   string `json:"Origination" gorm:"column:origination;type:text"`
	Country       string `json:"Country" gorm:"column:country;type:text"`
	IdentityError string `json:"Identity_error" gorm:"column:identity_error;type:text"`
	IsRepeated    bool   `json:"is_repeated" gorm:"column:is_repeated;default:false"`

	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName keeps the gorm table aligned with the Postgres schema.
func (CertificateRecord) TableName() string { return "certificates" }

// CertificateSummary is the list view served to the admin UI. It omits the
// raw and decoded certificate bodies.
type CertificateSummary struct {
	UUID           string    `json:"uuid"`
	CreatedAt      time.Time `json:"createdAt"`
	IdentityHeader string    `json:"identity_header"`
	IdentityError  string    `json:"Identity_error"`
	CertURL        *string   `json:"cert_url"`
	CertURLFound   bool      `json:"cert_url_found"`
	Origination    string    `json:"Origination"`
	OCN            string    `json:"OCN"`
	NotAfter       string    `json:"not_after"`
	IsRepeated     bool      `json:"is_repeated"`
}

// Summary projects a record onto its list view.
func (r *CertificateRecord) Summary() CertificateSummary {
	return CertificateSummary{
		UUID:           r.UUID,
		CreatedAt:      r.CreatedAt,
		IdentityHeader: r.IdentityHeader,
		IdentityError:  r.IdentityError,
		CertURL:        r.CertURL,
		CertURLFound:   r.CertURLFound,
		Origination:    r.Origination,
		OCN:            r.OCN,
		NotAfter:       r.NotAfter,
		IsRepeated:     r.IsRepeated,
	}
}

// OptOutCompany suppresses every notification for failures whose
// Origination equals Company.
type OptOutCompany struct {
	UUID      string    `json:"uuid" gorm:"column:uuid;primaryKey;size:36"`
	Company   string    `json:"company" gorm:"column:company;uniqueIndex;type:text"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
}

func (OptOutCompany) TableName() string { return "opt_out_companies" }

// EmailPreference is an email-level suppression, upserted by address.
type EmailPreference struct {
	Email     string    `json:"email" gorm:"column:email;primaryKey;type:text"`
	OptedOut  bool      `json:"opted_out" gorm:"column:opted_out"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

func (EmailPreference) TableName() string { return "email_preferences" }

// EmailEvent logs an outbound outreach email.
type EmailEvent struct {
	UUID             string    `json:"uuid" gorm:"column:uuid;primaryKey;size:36"`
	Email            string    `json:"email" gorm:"column:email;type:text"`
	Subject          string    `json:"subject" gorm:"column:subject;type:text"`
	Content          string    `json:"content" gorm:"column:content;type:text"`
	NotificationType string    `json:"notification_type" gorm:"column:notification_type;type:text"`
	CertificateUUID  string    `json:"certificate_uuid" gorm:"column:certificate_uuid;size:36;index"`
	CreatedAt        time.Time `json:"createdAt" gorm:"column:created_at"`
}

func (EmailEvent) TableName() string { return "email_events" }

// AdminUser is an operator allowed to use the admin endpoints.
type AdminUser struct {
	UUID         string    `gorm:"column:uuid;primaryKey;size:36"`
	Email        string    `gorm:"column:email;uniqueIndex;type:text"`
	PasswordHash string    `gorm:"column:password;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (AdminUser) TableName() string { return "admin_auth" }

// Recipient is a carrier contact resolved from the subscriber directory.
type Recipient struct {
	Email     string
	FirstName string
}
