package careflow

import (
	"context"
	"time"
)

// Filter selects the authorized subset of records for a viewer.
type Filter struct {
	// Role restricts the set to that role's queue. Empty means every record.
	Role Role
	// PendingOnly narrows the queue to records awaiting Role's action.
	PendingOnly bool
	IDs         []string
	// AfterID starts the page after this record in creation order, so that
	// records leaving the queue between pages do not shift later ones.
	AfterID string
	Limit   int
	Offset  int
}

// RecordStore is the single authority for PatientWorkflowRecords.
type RecordStore interface {
	Create(ctx context.Context, rec *PatientWorkflowRecord) error
	Fetch(ctx context.Context, id string) (*PatientWorkflowRecord, error)
	FetchSet(ctx context.Context, f Filter) ([]*PatientWorkflowRecord, int, error)
	// ConditionalWrite replaces the record only if its stored version still
	// equals expectedVersion. next.Version must be expectedVersion+1.
	// Returns ErrConflict on a version mismatch and ErrNotFound when the
	// record does not exist.
	ConditionalWrite(ctx context.Context, id string, expectedVersion int64, next *PatientWorkflowRecord) error
}

// TransitionCommitter writes a record and the fanout claim for the version
// it produces atomically: either both are stored or neither is.
type TransitionCommitter interface {
	CommitTransition(ctx context.Context, id string, expectedVersion int64, next *PatientWorkflowRecord, claim FanoutClaim) error
}

// FanoutClaim is a ledger entry for one accepted transition. A claim that is
// never completed is picked up by the retry sweep.
type FanoutClaim struct {
	PatientID string
	Version   int64
	Flag      Flag
	Actor     Role
	ClaimedAt time.Time
}

type NotificationStore interface {
	// ClaimFanout records that the transition producing version has started
	// fanout. It returns false if the version was already claimed.
	ClaimFanout(ctx context.Context, c FanoutClaim) (bool, error)
	CompleteFanout(ctx context.Context, patientID string, version int64) error
	PendingFanouts(ctx context.Context, olderThan time.Time, limit int) ([]FanoutClaim, error)
	// PersistNotification is idempotent on n.ID.
	PersistNotification(ctx context.Context, n *NotificationRecord) error
	FetchNotifications(ctx context.Context, role Role, limit int) ([]*NotificationRecord, error)
}

// AuditStore keeps the trail of workflow mutations.
type AuditStore interface {
	RecordAudit(ctx context.Context, e *AuditRecord) error
	// FetchAudit returns entries newest first and the number matching q.
	FetchAudit(ctx context.Context, q AuditQuery) ([]*AuditRecord, int, error)
}

// Store is implemented by the postgres and in-memory backends.
type Store interface {
	RecordStore
	NotificationStore
	TransitionCommitter
	AuditStore
}
