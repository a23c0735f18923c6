package repos

import "errors"

var (
	// ErrAlreadyClaimed is returned by Claim/Reclaim when at least one of the
	// requested rows is held by a different master identity. It is a retry
	// signal: the caller should re-read the unclaimed set and try again, not
	// treat it as a failure.
	ErrAlreadyClaimed = errors.New("build request already claimed by another master")

	// ErrNotClaimed is returned by the completion path when a caller tries to
	// complete work it does not validly hold (typically a very late completion
	// after an expiry sweep reassigned the request). It must surface to the
	// caller: swallowing it would corrupt the buildset aggregate.
	ErrNotClaimed = errors.New("build request not claimed by caller or already complete")

	// ErrMissingBuildset indicates a build request referencing a buildset row
	// that does not exist. This is data corruption, never auto-repaired.
	ErrMissingBuildset = errors.New("build request references missing buildset")
)
