package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const maxIdentityDigits = 20

type IdentityID string

// Identity pairs a credential with the numeric account id encoded in it.
type Identity struct {
	ID         IdentityID
	Credential string
}

// ParseIdentity derives the identity from a credential of the form
// "<base64 account id>.<timestamp>.<signature>". The id is decoded, never generated.
func ParseIdentity(credential string) (Identity, error) {
	trimmed := strings.TrimSpace(credential)
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrInvalidCredential, len(parts))
	}
	for _, part := range parts {
		if part == "" {
			return Identity{}, fmt.Errorf("%w: empty segment", ErrInvalidCredential)
		}
	}

	decoded, err := decodeSegment(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !isDigits(decoded) || len(decoded) > maxIdentityDigits {
		return Identity{}, fmt.Errorf("%w: account segment is not a numeric id", ErrInvalidCredential)
	}

	return Identity{ID: IdentityID(decoded), Credential: trimmed}, nil
}

// Redacted is safe to log.
func (i Identity) Redacted() string {
	if len(i.Credential) <= 8 {
		return "[REDACTED]"
	}
	return i.Credential[:4] + "..." + i.Credential[len(i.Credential)-4:]
}

func decodeSegment(segment string) (string, error) {
	encodings := []*base64.Encoding{
		base64.RawStdEncoding,
		base64.StdEncoding,
		base64.RawURLEncoding,
		base64.URLEncoding,
	}

	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(segment)
		if err == nil {
			return string(data), nil
		}
		lastErr = err
	}

	return "", lastErr
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IdentityRecord is the persisted view of an identity. The credential itself lives
// in the secret store under SecretRef.
type IdentityRecord struct {
	ID        IdentityID
	Name      string
	SecretRef string
	Active    bool
	Failures  int
	UpdatedAt time.Time
}

// RecordFailure counts a terminal session failure and reports whether the record
// was deactivated by it.
func (r *IdentityRecord) RecordFailure(maxFailures int, now time.Time) bool {
	r.Failures++
	r.UpdatedAt = now
	if maxFailures > 0 && r.Failures >= maxFailures && r.Active {
		r.Active = false
		return true
	}
	return false
}

func (r *IdentityRecord) RecordSuccess(now time.Time) {
	r.Failures = 0
	r.UpdatedAt = now
}
