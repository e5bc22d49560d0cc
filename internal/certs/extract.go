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

// Package certs resolves the signing certificate referenced by a SIP
// Identity header and extracts the fields the alert pipeline records.
//
// Fetching and tool invocation live in Fetcher and ToolDecoder; everything
// in this file is a pure mapping over text so it can be tested directly.
package certs

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNoCertURL is the failure reason for headers without an info=<https://...> parameter.
var ErrNoCertURL = errors.New("No certificate URL found in identity header")

var (
	certURLRe = regexp.MustCompile(`info=<(https://[^>]+)>`)

	errnoRe = regexp.MustCompile(`\[errno: \d+\] ([^\n]+)`)
	origRe  = regexp.MustCompile(`"orig":\s*\{\s*"tn":\s*"(\d+)"`)
	destRe  = regexp.MustCompile(`"dest":\s*\{\s*"tn":\s*\[\s*"(\d+)"`)

	sigAlgRe    = regexp.MustCompile(`Signature Algorithm:\s*([\w-]+)`)
	issuerRe    = regexp.MustCompile(`Issuer:([^\n]*)`)
	subjectRe   = regexp.MustCompile(`Subject:([^\n]*)`)
	notBeforeRe = regexp.MustCompile(`Not Before\s*:\s*([^G\n]+)`)
	notAfterRe  = regexp.MustCompile(`Not After\s*:\s*([^G\n]+)`)
	ocnRe       = regexp.MustCompile(`^SHAKEN\s+([A-Za-z0-9]{3})`)
)

// decoderTimeLayout is the openssl validity format once runs of spaces are
// collapsed, e.g. "Jan 2 15:04:05 2024".
const decoderTimeLayout = "Jan 2 15:04:05 2006"

// SignatureValidationFailed marks the SHAKEN identity failure category.
const SignatureValidationFailed = "Signature validation failed"

// RoutingMetadata is what the identity decoder reveals about a call.
type RoutingMetadata struct {
	ANI             string
	DNIS            string
	StructuredError string
}

// Fields is the flat set of values extracted from a decoded certificate.
// Every field defaults to the empty string when its rule does not match.
type Fields struct {
	Signature     string
	ANI           string
	DNIS          string
	CA            string
	NotBefore     string
	NotAfter      string
	OCN           string
	Origination   string
	Country       string
	IdentityError string
}

// ExtractCertURL returns the first info=<https://...> URL in header.
func ExtractCertURL(header string) (string, bool) {
	m := certURLRe.FindStringSubmatch(header)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseIdentityOutput maps identity decoder stdout onto RoutingMetadata.
func ParseIdentityOutput(out string) RoutingMetadata {
	var meta RoutingMetadata
	if m := errnoRe.FindStringSubmatch(out); m != nil {
		meta.StructuredError = strings.TrimSpace(m[1])
	}
	if m := origRe.FindStringSubmatch(out); m != nil {
		meta.ANI = m[1]
	}
	if m := destRe.FindStringSubmatch(out); m != nil {
		meta.DNIS = m[1]
	}
	return meta
}

// ExtractFields applies the fixed extraction rules to decoder output and
// routing metadata.
func ExtractFields(clearText string, meta RoutingMetadata) Fields {
	f := Fields{
		ANI:           meta.ANI,
		DNIS:          meta.DNIS,
		IdentityError: meta.StructuredError,
	}

	if m := sigAlgRe.FindStringSubmatch(clearText); m != nil {
		f.Signature = m[1]
	}
	if m := issuerRe.FindStringSubmatch(clearText); m != nil {
		f.CA = parseDN(m[1])["O"]
	}
	if m := notBeforeRe.FindStringSubmatch(clearText); m != nil {
		f.NotBefore = toISO(m[1])
	}
	if m := notAfterRe.FindStringSubmatch(clearText); m != nil {
		f.NotAfter = toISO(m[1])
	}
	if m := subjectRe.FindStringSubmatch(clearText); m != nil {
		dn := parseDN(m[1])
		if om := ocnRe.FindStringSubmatch(dn["CN"]); om != nil {
			f.OCN = om[1]
		}
		f.Origination = dn["O"]
		f.Country = dn["C"]
	}
	return f
}

// toISO converts an openssl validity timestamp to RFC 3339 UTC. Unparseable
// input yields "".
func toISO(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	t, err := time.Parse(decoderTimeLayout, s)
	if err != nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseDN splits a distinguished name as printed by openssl, in either the
// "C = US, O = Foo" or the legacy "/C=US/O=Foo" form, into the first value
// seen per attribute. Double-quoted values may contain separators.
func parseDN(s string) map[string]string {
	s = strings.TrimSpace(s)
	sep := ','
	if strings.HasPrefix(s, "/") {
		sep = '/'
		s = s[1:]
	}

	out := make(map[string]string)
	for _, part := range splitUnquoted(s, sep) {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"`)
		if _, seen := out[key]; !seen && key != "" {
			out[key] = val
		}
	}
	return out
}

func splitUnquoted(s string, sep rune) []string {
	var (
		parts   []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == sep && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}
