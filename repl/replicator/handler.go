package replicator

import (
	"context"

	"github.com/pingcap-incubator/tinyrepl/repl/gcs"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
)

// EventHandler receives the ordered callbacks from the replicator. Apply
// and Commit run on applier threads in the order the monitors dictate:
// Apply calls may overlap for independent transactions, Commit calls are
// serial in NORMAL commit order; BYPASS, TRAILING and OOOC let them run
// out of seqno order.
type EventHandler interface {
	// Apply executes the write set against local storage; data is the
	// gathered write set (see writeset.Unserialize). Return an
	// *ApplyError with a positive status to request a rollback and retry.
	Apply(ctx context.Context, flags trx.Flags, meta *trx.Meta, data []byte) error
	// Commit finalizes (commit=true) or rolls back (commit=false) the
	// effects of a previous Apply.
	Commit(ctx context.Context, meta *trx.Meta, commit bool) error
	// ViewChange reports a new group configuration. A non-nil error
	// aborts the node.
	ViewChange(view *gcs.View) error
	// Synced reports that the node caught up with the group.
	Synced()
	// Unordered delivers out-of-band data that bypassed total order.
	Unordered(data []byte)
}
