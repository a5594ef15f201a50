// Package token mints and validates opaque continuation tokens. A token is
// a bearer credential for advancing exactly one step; the replay defense
// lives in the sequencer's current-step comparison, not in the token, so
// payloads are encoded but not signed.
package token

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/loom/pkg/domain/errors"
)

// Payload is the decoded contents of a continuation token
type Payload struct {
	ExecutionID string `json:"execution_id"`
	StepName    string `json:"step_name"`
	IssuedAt    string `json:"issued_at"`
	Nonce       string `json:"nonce"`
}

// IssuedTime parses the payload's issue timestamp
func (p Payload) IssuedTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, p.IssuedAt)
}

// Service issues and validates continuation tokens
type Service struct {
	ttl  time.Duration
	skew time.Duration
	now  func() time.Time
}

// NewService creates a token service with the given lifetime and permitted
// clock skew for issue timestamps arriving from the future.
func NewService(ttl, skew time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Service{ttl: ttl, skew: skew, now: time.Now}
}

// WithClock overrides the service clock, for tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a token binding an execution to its current step. The nonce
// is a v4 UUID (128 bits), which keeps tokens unique across reissues for
// the same step.
func (s *Service) Issue(executionID, stepName string) (string, error) {
	if executionID == "" || stepName == "" {
		return "", errors.New(errors.CodeInvalidParameter, "token", "execution id and step name are required", nil)
	}
	payload := Payload{
		ExecutionID: executionID,
		StepName:    stepName,
		IssuedAt:    s.now().UTC().Format(time.RFC3339Nano),
		Nonce:       uuid.NewString(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "token", "failed to encode token payload", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses the token encoding without validating freshness
func (s *Service) Decode(tok string) (Payload, error) {
	var payload Payload
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return payload, errors.New(errors.CodeTokenMalformed, "token", "token is not valid base64url", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, errors.New(errors.CodeTokenMalformed, "token", "token payload is not valid JSON", err)
	}
	if payload.ExecutionID == "" || payload.StepName == "" || payload.IssuedAt == "" || payload.Nonce == "" {
		return payload, errors.New(errors.CodeTokenMalformed, "token", "token payload is missing required fields", nil)
	}
	return payload, nil
}

// Validate decodes tok and checks its temporal validity against now.
// It never consults the store: step-level replay protection is enforced
// by the sequencer.
func (s *Service) Validate(tok string, now time.Time) (Payload, error) {
	payload, err := s.Decode(tok)
	if err != nil {
		return payload, err
	}

	issued, err := payload.IssuedTime()
	if err != nil {
		return payload, errors.New(errors.CodeTokenMalformed, "token", "token issue timestamp is malformed", err)
	}
	if issued.After(now.Add(s.skew)) {
		return payload, errors.New(errors.CodeTokenMalformed, "token", "token issue timestamp is in the future", nil)
	}
	if now.Sub(issued) > s.ttl {
		return payload, errors.Newf(errors.CodeTokenExpired, "token", "token issued at %s exceeded its %s lifetime", payload.IssuedAt, s.ttl)
	}
	return payload, nil
}
