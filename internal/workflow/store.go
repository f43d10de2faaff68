package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/admissions/model"
)

// Tx is one storage transaction. Every workflow mutation goes through a Tx so
// that the stage write, the timeline append and the application pointer
// update commit or roll back together.
//
// There is deliberately no method that updates or deletes timeline entries.
type Tx interface {
	// CreateApplication inserts a new application record with empty
	// workflow pointers. Returns CONFLICT if the reference is taken.
	CreateApplication(ctx context.Context, in model.NewApplication, now time.Time) (model.Application, error)

	// LockApplication loads an application and holds a row lock on it until
	// the transaction ends. Returns NOT_FOUND if it does not exist.
	LockApplication(ctx context.Context, applicationID int64) (model.Application, error)

	// StagesFor returns the application's stage instances ordered by
	// ascending sequence.
	StagesFor(ctx context.Context, applicationID int64) ([]model.StageInstance, error)

	// InsertStages bulk-inserts stage instances. Assigned IDs are not
	// returned; read them back with StagesFor.
	InsertStages(ctx context.Context, stages []model.StageInstance) error

	// LockStage loads a stage instance by ID and holds a row lock on it.
	// Returns NOT_FOUND if it does not exist.
	LockStage(ctx context.Context, stageID int64) (model.StageInstance, error)

	// UpdateStage persists the mutable fields of a stage instance.
	UpdateStage(ctx context.Context, stage model.StageInstance) error

	// NextStage returns the application's stage with the lowest sequence
	// strictly greater than afterSequence.
	NextStage(ctx context.Context, applicationID int64, afterSequence int) (model.StageInstance, bool, error)

	// UpdatePointers overwrites the application's workflow pointer fields.
	UpdatePointers(ctx context.Context, applicationID int64, p model.WorkflowPointers, now time.Time) error

	// AppendTimeline appends an entry to the audit trail.
	AppendTimeline(ctx context.Context, entry model.TimelineEntry) (model.TimelineEntry, error)

	// InsertCommunication records an outbound communication.
	InsertCommunication(ctx context.Context, c model.Communication) (model.Communication, error)
}

// UnitOfWork runs fn inside a single transaction. If fn returns an error
// nothing it wrote is kept and the error is returned unchanged.
type UnitOfWork interface {
	Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store persists admissions workflow state. A Store is itself a UnitOfWork
// that opens a fresh transaction per Run.
type Store interface {
	UnitOfWork

	// GetApplication returns an application or NOT_FOUND.
	GetApplication(ctx context.Context, applicationID int64) (model.Application, error)

	// GetStage returns a stage that belongs to applicationID, or NOT_FOUND
	// if it does not exist or belongs to another application.
	GetStage(ctx context.Context, applicationID, stageID int64) (model.StageInstance, error)

	// ListStages returns stages ordered by ascending sequence.
	ListStages(ctx context.Context, applicationID int64) ([]model.StageInstance, error)

	// ListTimeline returns the audit trail, newest first.
	ListTimeline(ctx context.Context, applicationID int64) ([]model.TimelineEntry, error)

	// ListCommunications returns logged communications, newest first.
	ListCommunications(ctx context.Context, applicationID int64) ([]model.Communication, error)
}

// JoinTx adapts a transaction the caller already holds into a UnitOfWork.
// Run executes fn directly against tx; committing or rolling back stays the
// caller's responsibility.
func JoinTx(tx Tx) UnitOfWork {
	return joinedTx{tx: tx}
}

type joinedTx struct {
	tx Tx
}

func (j joinedTx) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, j.tx)
}
