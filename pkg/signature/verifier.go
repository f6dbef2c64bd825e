/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package signature verifies detached PKCS#7 signatures over artifact
// content. Verification is a pure function of (content, signature, trust
// store, now); the trust store and clock are injected so the verifier has
// no platform coupling beyond X.509 chain building.
package signature

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"

	"go.mozilla.org/pkcs7"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
)

// Mode selects how an invalid signature is handled by the caller.
type Mode string

const (
	// ModeStrict aborts the pipeline stage on an invalid signature.
	ModeStrict Mode = "strict"
	// ModePermissive downgrades an invalid signature to a logged warning.
	// Production never runs permissive.
	ModePermissive Mode = "permissive"
)

// Verification is the positive result of a signature check.
type Verification struct {
	SignerSubject string `json:"signer_subject"`
	Algorithm     string `json:"algorithm"`
	ContentHash   string `json:"content_hash"`
}

// Verifier validates artifact signatures against a configured trust store.
type Verifier struct {
	trust *x509.CertPool
	now   func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock injects the time source used for certificate validity checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier trusting the given CA pool.
func NewVerifier(trust *x509.CertPool, opts ...Option) *Verifier {
	v := &Verifier{trust: trust, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the detached PKCS#7 SignedData signature over content.
// Every failure returns a typed SignatureInvalid error; signature failures
// are never retried because a bad signature does not become good.
func (v *Verifier) Verify(content, sig []byte) (*Verification, error) {
	if len(content) == 0 {
		return nil, apperrors.NewSignatureInvalidError("artifact content is empty")
	}
	if len(sig) == 0 {
		return nil, apperrors.NewSignatureInvalidError("detached signature is missing")
	}

	digest := sha256.Sum256(content)

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, apperrors.NewSignatureInvalidError("signature is not a PKCS#7 SignedData blob").
			WithDetails(err.Error())
	}
	// Detached signature: the content travels outside the blob.
	p7.Content = content

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, apperrors.NewSignatureInvalidError("signature must carry exactly one signer certificate")
	}

	now := v.now()
	if now.Before(signer.NotBefore) {
		return nil, apperrors.NewSignatureInvalidError("signer certificate is not yet valid").
			WithDetails(signer.NotBefore.Format(time.RFC3339))
	}
	if now.After(signer.NotAfter) {
		return nil, apperrors.NewSignatureInvalidError("signer certificate has expired").
			WithDetails(signer.NotAfter.Format(time.RFC3339))
	}

	if _, err := signer.Verify(x509.VerifyOptions{
		Roots:       v.trust,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, apperrors.NewSignatureInvalidError("signer certificate does not chain to the trust store").
			WithDetails(err.Error())
	}

	if err := p7.Verify(); err != nil {
		return nil, apperrors.NewSignatureInvalidError("signature does not verify over the content hash").
			WithDetails(err.Error())
	}

	return &Verification{
		SignerSubject: signer.Subject.String(),
		Algorithm:     signer.SignatureAlgorithm.String(),
		ContentHash:   hex.EncodeToString(digest[:]),
	}, nil
}
