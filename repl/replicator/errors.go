package replicator

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrTrxFail reports that a local transaction was aborted, either by
	// certification or before replication. The caller rolls back.
	ErrTrxFail = errors.New("replicator: transaction failed")
	// ErrBFAbort reports that the transaction was interrupted by an
	// earlier conflicting one and must be replayed.
	ErrBFAbort = errors.New("replicator: brute force abort, replay required")
	// ErrPreCommitAbort reports an abort between replicate and pre-commit.
	ErrPreCommitAbort = errors.New("replicator: aborted before pre-commit")
	// ErrConnFail reports a lost group connection.
	ErrConnFail = errors.New("replicator: connection failed")
	// ErrNodeFail reports that the local node cannot proceed.
	ErrNodeFail = errors.New("replicator: node failure")
	// ErrNotImplemented reports a feature gated by protocol version.
	ErrNotImplemented = errors.New("replicator: not implemented")
	// ErrMaxWriteSetSize reports a local write set over the size limit.
	ErrMaxWriteSetSize = errors.New("replicator: max write set size exceeded")
)

// ApplyError is returned by the application's apply callback. A positive
// status marks the failure recoverable: the transaction is rolled back and
// the apply is retried. Any other status is fatal.
type ApplyError struct {
	Status int
	Cause  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed with status %d: %v", e.Status, e.Cause)
}

func (e *ApplyError) Unwrap() error { return e.Cause }

// Recoverable reports whether the apply may be retried.
func (e *ApplyError) Recoverable() bool { return e.Status > 0 }
