package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindTokenExchangeFailed, "AADSTS50148", nil))

	assert.True(t, errors.Is(err, ErrTokenExchangeFailed))
	assert.False(t, errors.Is(err, ErrMissingIDToken))
	assert.Equal(t, KindTokenExchangeFailed, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := newError(KindHandoffFailed, ErrHandoffFailed.Message, cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "backend rejected the sign-in: connection refused", err.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "state_mismatch", KindStateMismatch.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
	assert.Equal(t, "groups_resolved", StateGroupsResolved.String())
}
