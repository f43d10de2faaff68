package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/admissions/model"
)

// MemoryStore is an in-memory Store for testing and single-process use.
//
// Transactions are serialized by a single mutex. Each Run works on a copy of
// the state and swaps it in only when fn succeeds, so a failed Run leaves no
// trace.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	nextApplicationID   int64
	nextStageID         int64
	nextTimelineID      int64
	nextCommunicationID int64

	applications   map[int64]model.Application
	references     map[string]int64
	stages         map[int64]model.StageInstance
	timeline       []model.TimelineEntry
	communications []model.Communication
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		applications: make(map[int64]model.Application),
		references:   make(map[string]int64),
		stages:       make(map[int64]model.StageInstance),
	}}
}

func (st *memState) clone() *memState {
	c := *st
	c.applications = make(map[int64]model.Application, len(st.applications))
	for k, v := range st.applications {
		c.applications[k] = v
	}
	c.references = make(map[string]int64, len(st.references))
	for k, v := range st.references {
		c.references[k] = v
	}
	c.stages = make(map[int64]model.StageInstance, len(st.stages))
	for k, v := range st.stages {
		c.stages[k] = v
	}
	// Entries are never modified in place, so sharing the backing values is
	// safe; only the slice headers need to diverge.
	c.timeline = append([]model.TimelineEntry(nil), st.timeline...)
	c.communications = append([]model.Communication(nil), st.communications...)
	return &c
}

// Run executes fn against a private copy of the store state and commits the
// copy only if fn returns nil.
func (s *MemoryStore) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// GetApplication returns an application by ID.
func (s *MemoryStore) GetApplication(_ context.Context, applicationID int64) (model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.application(applicationID)
}

// GetStage returns a stage scoped to its application.
func (s *MemoryStore) GetStage(_ context.Context, applicationID, stageID int64) (model.StageInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stage, ok := s.state.stages[stageID]
	if !ok || stage.ApplicationID != applicationID {
		return model.StageInstance{}, stageNotFound(applicationID, stageID)
	}
	return stage, nil
}

// ListStages returns an application's stages by ascending sequence.
func (s *MemoryStore) ListStages(_ context.Context, applicationID int64) ([]model.StageInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.stagesFor(applicationID), nil
}

// ListTimeline returns an application's timeline, newest first.
func (s *MemoryStore) ListTimeline(_ context.Context, applicationID int64) ([]model.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.TimelineEntry{}
	for _, e := range s.state.timeline {
		if e.ApplicationID == applicationID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// ListCommunications returns an application's communications, newest first.
func (s *MemoryStore) ListCommunications(_ context.Context, applicationID int64) ([]model.Communication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Communication{}
	for _, c := range s.state.communications {
		if c.ApplicationID == applicationID {
			result = append(result, c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// Len returns the number of applications. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.applications)
}

func (st *memState) application(id int64) (model.Application, error) {
	app, ok := st.applications[id]
	if !ok {
		return model.Application{}, applicationNotFound(id)
	}
	return app, nil
}

func (st *memState) stagesFor(applicationID int64) []model.StageInstance {
	result := []model.StageInstance{}
	for _, stage := range st.stages {
		if stage.ApplicationID == applicationID {
			result = append(result, stage)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result
}

// memTx is a transaction over a private copy of the state. The store mutex
// is held for its whole lifetime, which stands in for row locks.
type memTx struct {
	st *memState
}

func (tx *memTx) CreateApplication(_ context.Context, in model.NewApplication, now time.Time) (model.Application, error) {
	if _, taken := tx.st.references[in.Reference]; taken {
		return model.Application{}, model.NewConflictError(
			fmt.Sprintf("application reference %q already exists", in.Reference),
		)
	}
	tx.st.nextApplicationID++
	app := model.Application{
		ID:             tx.st.nextApplicationID,
		Reference:      in.Reference,
		ApplicantName:  in.ApplicantName,
		ApplicantEmail: in.ApplicantEmail,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx.st.applications[app.ID] = app
	tx.st.references[app.Reference] = app.ID
	return app, nil
}

func (tx *memTx) LockApplication(_ context.Context, applicationID int64) (model.Application, error) {
	return tx.st.application(applicationID)
}

func (tx *memTx) StagesFor(_ context.Context, applicationID int64) ([]model.StageInstance, error) {
	return tx.st.stagesFor(applicationID), nil
}

func (tx *memTx) InsertStages(_ context.Context, stages []model.StageInstance) error {
	for _, stage := range stages {
		for _, existing := range tx.st.stages {
			if existing.ApplicationID == stage.ApplicationID &&
				(existing.StageKey == stage.StageKey || existing.Sequence == stage.Sequence) {
				return model.NewConflictError(
					fmt.Sprintf("stage %s already exists for application %d", stage.StageKey, stage.ApplicationID),
				)
			}
		}
		tx.st.nextStageID++
		stage.ID = tx.st.nextStageID
		tx.st.stages[stage.ID] = stage
	}
	return nil
}

func (tx *memTx) LockStage(_ context.Context, stageID int64) (model.StageInstance, error) {
	stage, ok := tx.st.stages[stageID]
	if !ok {
		return model.StageInstance{}, model.NewNotFoundError(fmt.Sprintf("stage %d not found", stageID))
	}
	return stage, nil
}

func (tx *memTx) UpdateStage(_ context.Context, stage model.StageInstance) error {
	if _, ok := tx.st.stages[stage.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("stage %d not found", stage.ID))
	}
	tx.st.stages[stage.ID] = stage
	return nil
}

func (tx *memTx) NextStage(_ context.Context, applicationID int64, afterSequence int) (model.StageInstance, bool, error) {
	for _, stage := range tx.st.stagesFor(applicationID) {
		if stage.Sequence > afterSequence {
			return stage, true, nil
		}
	}
	return model.StageInstance{}, false, nil
}

func (tx *memTx) UpdatePointers(_ context.Context, applicationID int64, p model.WorkflowPointers, now time.Time) error {
	app, err := tx.st.application(applicationID)
	if err != nil {
		return err
	}
	p.Apply(&app)
	app.UpdatedAt = now
	tx.st.applications[applicationID] = app
	return nil
}

func (tx *memTx) AppendTimeline(_ context.Context, entry model.TimelineEntry) (model.TimelineEntry, error) {
	tx.st.nextTimelineID++
	entry.ID = tx.st.nextTimelineID
	tx.st.timeline = append(tx.st.timeline, entry)
	return entry, nil
}

func (tx *memTx) InsertCommunication(_ context.Context, c model.Communication) (model.Communication, error) {
	tx.st.nextCommunicationID++
	c.ID = tx.st.nextCommunicationID
	tx.st.communications = append(tx.st.communications, c)
	return c, nil
}

func applicationNotFound(id int64) error {
	return model.NewNotFoundError(fmt.Sprintf("application %d not found", id))
}

func stageNotFound(applicationID, stageID int64) error {
	return model.NewNotFoundError(
		fmt.Sprintf("stage %d not found for application %d", stageID, applicationID),
	)
}
