package token

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/loom/pkg/domain/errors"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService(time.Hour, time.Minute)

	tok, err := svc.Issue("exec-1", "analyze")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	payload, err := svc.Validate(tok, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", payload.ExecutionID)
	assert.Equal(t, "analyze", payload.StepName)
	assert.NotEmpty(t, payload.Nonce)

	issued, err := payload.IssuedTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), issued, time.Minute)
}

func TestIssueUniqueAcrossReissues(t *testing.T) {
	svc := NewService(time.Hour, time.Minute)

	first, err := svc.Issue("exec-1", "analyze")
	require.NoError(t, err)
	second, err := svc.Issue("exec-1", "analyze")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestIssueRequiresIdentity(t *testing.T) {
	svc := NewService(time.Hour, time.Minute)

	_, err := svc.Issue("", "analyze")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))

	_, err = svc.Issue("exec-1", "")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}

func TestDecodeMalformed(t *testing.T) {
	svc := NewService(time.Hour, time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"not base64url", "!!not-base64!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("plain text"))},
		{"missing fields", base64.RawURLEncoding.EncodeToString([]byte(`{"execution_id":"exec-1"}`))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decode(tt.token)
			assert.True(t, errors.HasCode(err, errors.CodeTokenMalformed), "got %v", err)
		})
	}
}

func TestValidateExpired(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(time.Hour, time.Minute).WithClock(func() time.Time { return issuedAt })

	tok, err := svc.Issue("exec-1", "analyze")
	require.NoError(t, err)

	// Within the lifetime
	_, err = svc.Validate(tok, issuedAt.Add(59*time.Minute))
	require.NoError(t, err)

	// Past the lifetime
	_, err = svc.Validate(tok, issuedAt.Add(time.Hour+time.Second))
	assert.True(t, errors.HasCode(err, errors.CodeTokenExpired), "got %v", err)
}

func TestValidateRejectsFutureIssue(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(time.Hour, 2*time.Minute).WithClock(func() time.Time { return issuedAt })

	tok, err := svc.Issue("exec-1", "analyze")
	require.NoError(t, err)

	// Inside the permitted skew window
	_, err = svc.Validate(tok, issuedAt.Add(-time.Minute))
	require.NoError(t, err)

	// Beyond the skew window the issue timestamp is from the future
	_, err = svc.Validate(tok, issuedAt.Add(-3*time.Minute))
	assert.True(t, errors.HasCode(err, errors.CodeTokenMalformed), "got %v", err)
}
