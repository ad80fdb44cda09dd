package elector

import (
	werrors "github.com/pkg/errors"
)

// Errors are centralised here, in the same way as metrics, to keep them consistent.
//
// Errors originating within the elector package carry an elector sentinel error as cause, wrapped with message and
// context. Errors bubbling up from the coordination store client (see the coord package) are wrapped with an elector
// message, and keep the coord sentinel as cause.
//
// To test an error against a sentinel, call errors.Cause() on it and compare it to the sentinel values.
//

// Keyword for error field in logger...
const electorErrKeyword = "err"
const electorSentinel = "errCode: "

// Error implements the error interface and represents sentinel errors for the elector package (as per
// https://dave.cheney.net/2016/04/07/constant-errors).
type Error string

func (e Error) Error() string { return string(e) }

// ElectorErrorBadMakeElectorOption is returned (extracted using errors.Cause(err)) if options provided to MakeElector
// fail to apply.
const ElectorErrorBadMakeElectorOption = Error(electorSentinel + "bad MakeElector option")

// ElectorErrorMissingConfig is returned (extracted using errors.Cause(err)) if ElectorConfig is missing mandatory
// settings or carries bad values.
const ElectorErrorMissingConfig = Error(electorSentinel + "elector config insufficient")

// ElectorErrorMissingLogger is returned if logging could not be set up.
const ElectorErrorMissingLogger = Error(electorSentinel + "no logger setup")

// ElectorErrorLeadershipDisplaced is signalled on the fatal error channel if the elector, while holding leadership,
// observes another candidate ahead of it in the election. Leadership was held when it should not have been; this is
// a catastrophic invariant violation and the elector shuts itself down.
const ElectorErrorLeadershipDisplaced = Error(electorSentinel + "leadership displaced while held")

// ElectorErrorMustFailed is signalled on the fatal error channel if the elector hits an internal assertion. The
// elector shuts itself down.
const ElectorErrorMustFailed = Error(electorSentinel + "elector internal assertion, shutting down")

// ElectorErrorClientUnrecoverable is signalled on the fatal error channel if the coordination client could not be
// recreated (after retries) following session expiry or an unexpected failure. The elector shuts itself down.
const ElectorErrorClientUnrecoverable = Error(electorSentinel + "coordination client could not be recreated")

// ElectorErrorShutdown is returned when posting work to an elector which has shut down.
const ElectorErrorShutdown = Error(electorSentinel + "elector shut down")

// electorErrorf is a simple wrapper which ensures that all elector errors are prefixed consistently, and that we
// always either wrap a root cause error bubbling up from beneath, or a sentinel error from above.
func electorErrorf(rootCause error, format string, args ...interface{}) error {
	return werrors.WithMessagef(rootCause, "elector: "+format, args...)
}
