package activitypub

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidActorIdentifier is returned when an actor identifier is
	// neither a URI, a user@host address, nor an object carrying an id.
	ErrInvalidActorIdentifier = errors.New("invalid actor identifier")

	// ErrInvalidActorURL is returned when an actor URI fails basic URL
	// validation before any network traffic happens.
	ErrInvalidActorURL = errors.New("invalid actor url")

	// ErrFetchFailed is returned when a remote fetch fails for transport
	// reasons (DNS, connect, timeout).
	ErrFetchFailed = errors.New("remote fetch failed")

	// ErrInvalidJSON is returned when a remote document cannot be parsed.
	ErrInvalidJSON = errors.New("invalid json document")

	// ErrNoPublicKey is returned when an actor document carries no usable
	// public key. Signature verification treats this as a hard failure.
	ErrNoPublicKey = errors.New("actor has no public key")

	// ErrNoInbox is returned when an actor document carries no inbox.
	ErrNoInbox = errors.New("actor has no inbox")

	// ErrActorGone is returned when a cached actor is tombstoned: the
	// remote server deterministically reported it deleted.
	ErrActorGone = errors.New("actor is gone")

	// ErrSignatureParse is returned when a Signature header is missing or
	// malformed.
	ErrSignatureParse = errors.New("cannot parse signature header")

	// ErrDigestMismatch is returned when the Digest header does not match
	// the request body.
	ErrDigestMismatch = errors.New("digest does not match body")

	// ErrSignatureVerification is returned when the RSA verification of the
	// signing string fails.
	ErrSignatureVerification = errors.New("signature verification failed")
)

// RemoteServerError represents a remote HTTP response with status >= 400.
// The status survives error wrapping so callers can tell a deterministic
// tombstone (404/410) from a transient failure.
type RemoteServerError struct {
	Status int
	URL    string
}

func (e *RemoteServerError) Error() string {
	return fmt.Sprintf("remote server %s returned status %d", e.URL, e.Status)
}

// IsTombstone reports whether err deterministically says the remote
// resource is deleted (HTTP 404 or 410), as opposed to temporarily
// unreachable.
func IsTombstone(err error) bool {
	var remoteErr *RemoteServerError
	if errors.As(err, &remoteErr) {
		return remoteErr.Status == 404 || remoteErr.Status == 410
	}
	return false
}
