package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", errors.New("x"), KindUnknown},
		{"sentinel", ErrSignatureMismatch, KindSignatureMismatch},
		{"wrapped", fmt.Errorf("verify: %w", ErrTimestampOutOfTolerance), KindTimestampOutOfTolerance},
		{"double wrapped", fmt.Errorf("a: %w", fmt.Errorf("b: %w", ErrSessionDecodeFailed)), KindSessionDecodeFailed},
		{"outer kind wins", fmt.Errorf("%w: %w", ErrTokenExchangeFailed, errors.New("timeout")), KindTokenExchangeFailed},
		{"joined", errors.Join(errors.New("x"), ErrIdentityResolutionFailed), KindIdentityResolutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestSentinels_AreDistinct(t *testing.T) {
	all := []error{
		ErrMissingAuthorizationCode, ErrOAuthStateMismatch, ErrTokenExchangeFailed,
		ErrProfileFetchFailed, ErrIdentityResolutionFailed, ErrSessionEncodeFailed,
		ErrSessionDecodeFailed, ErrSignatureHeaderMalformed, ErrSignatureMismatch,
		ErrTimestampOutOfTolerance,
	}
	seen := map[ErrorKind]bool{}
	for _, err := range all {
		k := KindOf(err)
		assert.NotEqual(t, KindUnknown, k)
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
		for _, other := range all {
			if other != err {
				assert.False(t, errors.Is(err, other))
			}
		}
	}
}

func TestAPIErrors_WebhookErrorIsGeneric(t *testing.T) {
	e := NewInvalidWebhookError()
	assert.Equal(t, ErrCodeInvalidWebhook, e.Code)
	assert.NotContains(t, e.Message, "signature")
	assert.NotContains(t, e.Message, "timestamp")
	assert.Equal(t, "[INVALID_WEBHOOK] invalid webhook request", e.Error())
}

func TestSession_WithoutFlash(t *testing.T) {
	s := Session{UserID: "u1", Flash: &Flash{Priority: FlashInfo, Message: "hi"}}
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, Session{UserID: "u1"}, s.WithoutFlash())
	assert.NotNil(t, s.Flash, "元のセッションは変更しない")
	assert.False(t, Session{}.IsAuthenticated())
}

func TestSubscriptionStatus_GrantsAccess(t *testing.T) {
	assert.True(t, SubscriptionActive.GrantsAccess())
	assert.True(t, SubscriptionTrialing.GrantsAccess())
	assert.False(t, SubscriptionPastDue.GrantsAccess())
	assert.False(t, SubscriptionCanceled.GrantsAccess())
	assert.False(t, SubscriptionStatus("").GrantsAccess())
}
