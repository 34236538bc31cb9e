package activitypub

import "errors"

// Typed rejection reasons for inbound processing. None of these are
// retried locally; redelivery is the sending server's responsibility.
var (
	// ErrAuthenticationFailed covers both a failed signature check and
	// a failed origin-fetch fallback.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrBlocked rejects silently: the HTTP response must not reveal
	// whether the sender is blocked or merely unauthenticated.
	ErrBlocked = errors.New("actor or server blocked")

	// ErrUnknownReference means an Undo (or similar) referenced an
	// activity we have never seen. Logged and dropped, never fatal.
	ErrUnknownReference = errors.New("referenced activity unknown")

	// ErrMalformedPayload rejects a payload that cannot be parsed as an
	// activity.
	ErrMalformedPayload = errors.New("malformed payload")
)
