package client

import (
	"errors"
	"fmt"
)

// Kind classifies why a login attempt failed. Every kind is terminal for the attempt.
type Kind int

const (
	KindUnknown Kind = iota
	KindRNGUnavailable
	KindConfigMissing
	KindStateMismatch
	KindVerifierMissing
	KindTokenExchangeFailed
	KindMissingIDToken
	KindGroupFetchFailed
	KindHandoffFailed
	KindStorageFailed
	KindNavigationFailed
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindRNGUnavailable:      "rng_unavailable",
	KindConfigMissing:       "config_missing",
	KindStateMismatch:       "state_mismatch",
	KindVerifierMissing:     "verifier_missing",
	KindTokenExchangeFailed: "token_exchange_failed",
	KindMissingIDToken:      "missing_id_token",
	KindGroupFetchFailed:    "group_fetch_failed",
	KindHandoffFailed:       "handoff_failed",
	KindStorageFailed:       "storage_failed",
	KindNavigationFailed:    "navigation_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single failure type surfaced by Flow. Message is safe to show to the user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrRNGUnavailable      = &Error{Kind: KindRNGUnavailable, Message: "secure random source unavailable"}
	ErrConfigMissing       = &Error{Kind: KindConfigMissing, Message: "microsoft client ID is not configured"}
	ErrStateMismatch       = &Error{Kind: KindStateMismatch, Message: "invalid OAuth state"}
	ErrVerifierMissing     = &Error{Kind: KindVerifierMissing, Message: "missing PKCE verifier"}
	ErrTokenExchangeFailed = &Error{Kind: KindTokenExchangeFailed, Message: "token exchange failed"}
	ErrMissingIDToken      = &Error{Kind: KindMissingIDToken, Message: "missing id_token from Microsoft"}
	ErrGroupFetchFailed    = &Error{Kind: KindGroupFetchFailed, Message: "unable to read group membership. Admin consent may be required"}
	ErrHandoffFailed       = &Error{Kind: KindHandoffFailed, Message: "backend rejected the sign-in"}
)

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
