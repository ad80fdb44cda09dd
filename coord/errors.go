package coord

import (
	"github.com/pkg/errors"
)

// Errors returned by Client implementations are wrapped sentinels. Use errors.Cause(err) to compare against the
// sentinels below, or the Is* helpers for the common cases.

// Error implements the error interface for coordination store sentinels.
type Error string

func (e Error) Error() string { return string(e) }

const coordSentinel = "coord: "

// ErrNoNode is returned when the node addressed does not exist. In many places (delete on exit, existence checks)
// it is an expected outcome rather than a failure.
const ErrNoNode = Error(coordSentinel + "node does not exist")

// ErrNodeExists is returned when creating a node which is already present.
const ErrNodeExists = Error(coordSentinel + "node already exists")

// ErrNotEmpty is returned when deleting a node which still has children.
const ErrNotEmpty = Error(coordSentinel + "node has children")

// ErrBadVersion is returned when an optimistic update loses a race with a concurrent update.
const ErrBadVersion = Error(coordSentinel + "version conflict")

// ErrConnectionLoss is returned when a request cannot be served because the session is not connected. The
// outcome of the request is unknown.
const ErrConnectionLoss = Error(coordSentinel + "connection lost")

// ErrSessionExpired is returned once the session has expired. The client needs to be replaced.
const ErrSessionExpired = Error(coordSentinel + "session expired")

// ErrClosed is returned for requests made on a closed client.
const ErrClosed = Error(coordSentinel + "client closed")

// ErrBadArguments is returned for malformed paths or illegal flag combinations.
const ErrBadArguments = Error(coordSentinel + "bad arguments")

// Errorf wraps a root cause (a sentinel above, or an error bubbling up from an underlying store library) with
// context, preserving the cause for errors.Cause.
func Errorf(rootCause error, format string, args ...interface{}) error {
	return errors.WithMessagef(rootCause, format, args...)
}

// IsNoNode reports whether the root cause of err is ErrNoNode.
func IsNoNode(err error) bool {
	return err != nil && errors.Cause(err) == ErrNoNode
}

// IsNodeExists reports whether the root cause of err is ErrNodeExists.
func IsNodeExists(err error) bool {
	return err != nil && errors.Cause(err) == ErrNodeExists
}

// IsBadArguments reports whether the root cause of err is ErrBadArguments.
func IsBadArguments(err error) bool {
	return err != nil && errors.Cause(err) == ErrBadArguments
}
