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

import (
	"bytes"
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Decoder turns certificate bytes and identity headers into text.
type Decoder interface {
	DecodeCertificate(ctx context.Context, cert []byte) (string, error)
	DecodeIdentity(ctx context.Context, header string) (string, error)
}

// ToolDecoder runs external command-line decoders without a shell. The
// certificate is written to the decoder's stdin; the identity header is
// appended to the identity tool's argv as a single argument.
type ToolDecoder struct {
	certCmd     []string
	identityCmd []string
	timeout     time.Duration
}

// NewToolDecoder creates a decoder from two argv prefixes.
func NewToolDecoder(certCmd, identityCmd []string, timeout time.Duration) (*ToolDecoder, error) {
	if len(certCmd) == 0 || len(identityCmd) == 0 {
		return nil, errors.New("certificate and identity decoder commands are required")
	}
	return &ToolDecoder{certCmd: certCmd, identityCmd: identityCmd, timeout: timeout}, nil
}

// DecodeCertificate returns the decoder's text rendering of cert. DER input
// is wrapped as PEM first.
func (d *ToolDecoder) DecodeCertificate(ctx context.Context, cert []byte) (string, error) {
	if !bytes.Contains(cert, []byte("-----BEGIN")) {
		cert = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert})
	}
	out, err := d.run(ctx, d.certCmd, cert)
	if err != nil {
		return "", fmt.Errorf("Failed to parse certificate: %w", err)
	}
	return out, nil
}

// DecodeIdentity returns the identity tool's output for header.
func (d *ToolDecoder) DecodeIdentity(ctx context.Context, header string) (string, error) {
	argv := append(append([]string{}, d.identityCmd...), header)
	out, err := d.run(ctx, argv, nil)
	if err != nil {
		return "", fmt.Errorf("identity decoder: %w", err)
	}
	return out, nil
}

func (d *ToolDecoder) run(ctx context.Context, argv []string, stdin []byte) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s timed out: %w", argv[0], ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return "", fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.String(), nil
}
