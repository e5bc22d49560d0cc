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

package certs

import "testing"

const sampleCertText = `Certificate:
    Data:
        Version: 3 (0x2)
        Serial Number:
            5e:3a:11
        Signature Algorithm: ecdsa-with-SHA256
        Issuer: C = US, O = "STI-CA, Inc.", CN = Example SHAKEN Intermediate
        Validity
            Not Before: Jan  2 15:04:05 2024 GMT
            Not After : Dec 31 23:59:59 2025 GMT
        Subject: C = US, ST = VA, O = Example Telecom, CN = SHAKEN 123J
        Subject Public Key Info:
            Public Key Algorithm: id-ecPublicKey
`

const sampleIdentityOutput = `{
  "header": {"alg": "ES256", "ppt": "shaken", "typ": "passport"},
  "payload": {
    "attest": "A",
    "dest": { "tn": [ "15551230000" ] },
    "orig": { "tn": "15559870000" }
  }
}
[errno: 12] Signature validation failed
`

func TestExtractCertURL(t *testing.T) {
	tests := []struct {
		header string
		want   string
		found  bool
	}{
		{"abc;info=<https://example.com/cert.pem>;alg=ES256", "https://example.com/cert.pem", true},
		{"abc;info=<https://a.example/1.pem>;info=<https://b.example/2.pem>", "https://a.example/1.pem", true},
		{"abc;info=<http://insecure.example/cert.pem>", "", false},
		{"abc;alg=ES256", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractCertURL(tt.header)
		if ok != tt.found || got != tt.want {
			t.Errorf("ExtractCertURL(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.found)
		}
	}
}

func TestParseIdentityOutput(t *testing.T) {
	meta := ParseIdentityOutput(sampleIdentityOutput)
	if meta.ANI != "15559870000" {
		t.Errorf("ANI = %q", meta.ANI)
	}
	if meta.DNIS != "15551230000" {
		t.Errorf("DNIS = %q", meta.DNIS)
	}
	if meta.StructuredError != SignatureValidationFailed {
		t.Errorf("StructuredError = %q", meta.StructuredError)
	}

	if empty := ParseIdentityOutput("nothing useful"); empty != (RoutingMetadata{}) {
		t.Errorf("unmatched output = %+v, want zero value", empty)
	}
}

func TestExtractFields(t *testing.T) {
	meta := RoutingMetadata{ANI: "1", DNIS: "2", StructuredError: "boom"}
	f := ExtractFields(sampleCertText, meta)

	want := Fields{
		Signature:     "ecdsa-with-SHA256",
		ANI:           "1",
		DNIS:          "2",
		CA:            "STI-CA, Inc.",
		NotBefore:     "2024-01-02T15:04:05Z",
		NotAfter:      "2025-12-31T23:59:59Z",
		OCN:           "123",
		Origination:   "Example Telecom",
		Country:       "US",
		IdentityError: "boom",
	}
	if f != want {
		t.Errorf("ExtractFields =\n %+v\nwant\n %+v", f, want)
	}
}

func TestExtractFieldsLegacySlashDN(t *testing.T) {
	text := "Issuer: /C=US/O=Legacy CA/CN=root\nSubject: /C=CA/O=Northern Tel/CN=SHAKEN 9ZZ\n"
	f := ExtractFields(text, RoutingMetadata{})
	if f.CA != "Legacy CA" || f.Origination != "Northern Tel" || f.Country != "CA" || f.OCN != "9ZZ" {
		t.Errorf("fields = %+v", f)
	}
}

func TestExtractFieldsDefaultsEmpty(t *testing.T) {
	f := ExtractFields("not a certificate", RoutingMetadata{})
	if f != (Fields{}) {
		t.Errorf("fields = %+v, want all empty", f)
	}

	f = ExtractFields("Not Before: garbage GMT\nSubject: CN = Something Else\n", RoutingMetadata{})
	if f.NotBefore != "" || f.OCN != "" {
		t.Errorf("NotBefore = %q, OCN = %q, want both empty", f.NotBefore, f.OCN)
	}
}
