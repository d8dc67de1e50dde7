// Package integrity implements the tamper-evidence gate that every work
// item passes before delivery. A deterministic canonical form of a fixed,
// ordered field subset is hashed with SHA-256 and compared against the
// digest carried in the item envelope; an optional detached signature is
// checked via a local HMAC secret or a delegated Signer.
package integrity

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/auditflow-go/contracts"
)

// Signer delegates signature operations to an external key-management
// collaborator.
type Signer interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
	Verify(ctx context.Context, data, signature []byte) (bool, error)
}

// Verifier validates work item digests and signatures. Verification fails
// closed: any mismatch is a contracts.IntegrityError, which is never
// retried.
type Verifier struct {
	fields []string
	secret []byte
	signer Signer
	logger *slog.Logger
}

// VerifierOption configures the verifier
type VerifierOption func(*Verifier)

// WithFields sets the ordered field subset included in the digest. Order
// and inclusion are configuration, not data-dependent, so digests are
// reproducible across processes.
func WithFields(fields ...string) VerifierOption {
	return func(v *Verifier) {
		v.fields = fields
	}
}

// WithSharedSecret enables HMAC-SHA256 signature verification with a
// locally held secret
func WithSharedSecret(secret []byte) VerifierOption {
	return func(v *Verifier) {
		v.secret = secret
	}
}

// WithSigner delegates signature verification to an external collaborator.
// Takes precedence over a shared secret when both are configured.
func WithSigner(signer Signer) VerifierOption {
	return func(v *Verifier) {
		v.signer = signer
	}
}

// WithVerifierLogger sets the logger
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a verifier. By default the digest covers "id",
// "correlationId" and "payload".
func NewVerifier(options ...VerifierOption) *Verifier {
	v := &Verifier{
		fields: []string{"id", "correlationId", "payload"},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(v)
	}

	return v
}

// Canonicalize renders the configured field subset into the deterministic
// byte form that is digested. Fields appear in configured order as
// name=value pairs separated by newlines; absent fields render empty.
func (v *Verifier) Canonicalize(item *contracts.WorkItem) []byte {
	var b strings.Builder
	for i, name := range v.fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteByte('=')
		if val, ok := item.Field(name); ok {
			b.WriteString(val)
		}
	}
	return []byte(b.String())
}

// Digest computes the hex-encoded SHA-256 digest of the canonical form.
func (v *Verifier) Digest(item *contracts.WorkItem) string {
	sum := sha256.Sum256(v.Canonicalize(item))
	return hex.EncodeToString(sum[:])
}

// Seal stamps the item with its digest, and with a signature when a signer
// or shared secret is configured. Producers call this before enqueueing.
func (v *Verifier) Seal(ctx context.Context, item *contracts.WorkItem) error {
	item.IntegrityDigest = v.Digest(item)

	canonical := v.Canonicalize(item)
	switch {
	case v.signer != nil:
		sig, err := v.signer.Sign(ctx, canonical)
		if err != nil {
			return fmt.Errorf("sign item %s: %w", item.ID, err)
		}
		item.Signature = sig
	case len(v.secret) > 0:
		item.Signature = v.hmacSign(canonical)
	}
	return nil
}

// Verify checks the item's digest and, when configured, its detached
// signature. Returns nil on success and a contracts.IntegrityError on any
// mismatch.
func (v *Verifier) Verify(ctx context.Context, item *contracts.WorkItem) error {
	if item.IntegrityDigest == "" {
		return v.fail(item, "missing integrity digest")
	}

	expected := v.Digest(item)
	if !hmac.Equal([]byte(expected), []byte(item.IntegrityDigest)) {
		return v.fail(item, "digest mismatch")
	}

	canonical := v.Canonicalize(item)
	switch {
	case v.signer != nil:
		ok, err := v.signer.Verify(ctx, canonical, item.Signature)
		if err != nil {
			// Fails closed: an unreachable signer is a verification failure.
			return v.fail(item, fmt.Sprintf("signer error: %v", err))
		}
		if !ok {
			return v.fail(item, "signature rejected by signer")
		}
	case len(v.secret) > 0:
		if !hmac.Equal(v.hmacSign(canonical), item.Signature) {
			return v.fail(item, "hmac signature mismatch")
		}
	}

	return nil
}

func (v *Verifier) hmacSign(canonical []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(canonical)
	return mac.Sum(nil)
}

func (v *Verifier) fail(item *contracts.WorkItem, reason string) error {
	v.logger.Error("integrity verification failed",
		"itemId", item.ID,
		"correlationId", item.CorrelationID,
		"reason", reason,
	)
	return &contracts.IntegrityError{ItemID: item.ID, Reason: reason}
}

// Fields returns the configured digest field subset.
func (v *Verifier) Fields() []string {
	return append([]string(nil), v.fields...)
}

// HMACSigner is a local Signer backed by a shared secret, usable when the
// signature path should go through the Signer interface in tests or
// single-process deployments.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates an HMAC-SHA256 signer
func NewHMACSigner(secret []byte) *HMACSigner {
	return &HMACSigner{secret: secret}
}

// Sign implements Signer
func (s *HMACSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify implements Signer
func (s *HMACSigner) Verify(ctx context.Context, data, signature []byte) (bool, error) {
	expected, _ := s.Sign(ctx, data)
	return bytes.Equal(expected, signature), nil
}
