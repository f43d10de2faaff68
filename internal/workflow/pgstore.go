package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/admissions/model"
)

const pgUniqueViolation = "23505"

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5. Row locks
// (SELECT ... FOR UPDATE) serialize concurrent transitions on the same
// application.
type PgStore struct {
	pool      *pgxpool.Pool
	isolation pgx.TxIsoLevel
}

// NewPgStore creates a PostgreSQL store. isolation is one of
// "read_committed", "repeatable_read" or "serializable"; empty means
// read committed.
func NewPgStore(pool *pgxpool.Pool, isolation string) (*PgStore, error) {
	level, err := parseIsolation(isolation)
	if err != nil {
		return nil, err
	}
	return &PgStore{pool: pool, isolation: level}, nil
}

func parseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch s {
	case "", "read_committed":
		return pgx.ReadCommitted, nil
	case "repeatable_read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	default:
		return "", fmt.Errorf("unsupported isolation level %q", s)
	}
}

// Run executes fn inside a database transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *PgStore) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: s.isolation}, func(tx pgx.Tx) error {
		return fn(ctx, NewPgTx(tx))
	})
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetApplication returns an application by ID.
func (s *PgStore) GetApplication(ctx context.Context, applicationID int64) (model.Application, error) {
	return getApplication(ctx, s.pool, applicationID, false)
}

// GetStage returns a stage scoped to its application.
func (s *PgStore) GetStage(ctx context.Context, applicationID, stageID int64) (model.StageInstance, error) {
	stage, err := scanStage(s.pool.QueryRow(ctx,
		selectStage+` WHERE id = $1 AND application_id = $2`, stageID, applicationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StageInstance{}, stageNotFound(applicationID, stageID)
	}
	if err != nil {
		return model.StageInstance{}, fmt.Errorf("query stage: %w", err)
	}
	return stage, nil
}

// ListStages returns an application's stages by ascending sequence.
func (s *PgStore) ListStages(ctx context.Context, applicationID int64) ([]model.StageInstance, error) {
	return listStages(ctx, s.pool, applicationID)
}

// ListTimeline returns an application's timeline, newest first.
func (s *PgStore) ListTimeline(ctx context.Context, applicationID int64) ([]model.TimelineEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, stage_key, event_type, performed_by_id,
		       performed_by_name, notes, metadata, created_at
		FROM application_timeline
		WHERE application_id = $1
		ORDER BY created_at DESC, id DESC`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	entries := []model.TimelineEntry{}
	for rows.Next() {
		var e model.TimelineEntry
		var stageKey, eventType *string
		var metadata []byte
		if err := rows.Scan(
			&e.ID, &e.ApplicationID, &stageKey, &eventType, &e.PerformedByID,
			&e.PerformedByName, &e.Notes, &metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		if stageKey != nil {
			k := model.StageKey(*stageKey)
			e.StageKey = &k
		}
		if eventType != nil {
			e.EventType = model.TimelineEventType(*eventType)
		}
		e.Metadata = metadata
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListCommunications returns an application's communications, newest first.
func (s *PgStore) ListCommunications(ctx context.Context, applicationID int64) ([]model.Communication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, recipient_type, recipient_address, channel,
		       subject, body, status, metadata, created_at
		FROM application_communications
		WHERE application_id = $1
		ORDER BY created_at DESC, id DESC`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query communications: %w", err)
	}
	defer rows.Close()

	comms := []model.Communication{}
	for rows.Next() {
		var c model.Communication
		var metadata []byte
		if err := rows.Scan(
			&c.ID, &c.ApplicationID, &c.RecipientType, &c.RecipientAddress, &c.Channel,
			&c.Subject, &c.Body, &c.Status, &metadata, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		c.Metadata = metadata
		comms = append(comms, c)
	}
	return comms, rows.Err()
}

// PgTx is a Tx over an open pgx transaction. Callers that manage their own
// transaction can wrap it with NewPgTx and pass it to Engine.Within.
type PgTx struct {
	tx pgx.Tx
}

// NewPgTx wraps an open pgx transaction.
func NewPgTx(tx pgx.Tx) *PgTx {
	return &PgTx{tx: tx}
}

func (t *PgTx) CreateApplication(ctx context.Context, in model.NewApplication, now time.Time) (model.Application, error) {
	app := model.Application{
		Reference:      in.Reference,
		ApplicantName:  in.ApplicantName,
		ApplicantEmail: in.ApplicantEmail,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO applications (reference, applicant_name, applicant_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		in.Reference, in.ApplicantName, in.ApplicantEmail, now, now,
	).Scan(&app.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.Application{}, model.NewConflictError(
				fmt.Sprintf("application reference %q already exists", in.Reference),
			)
		}
		return model.Application{}, fmt.Errorf("insert application: %w", err)
	}
	return app, nil
}

func (t *PgTx) LockApplication(ctx context.Context, applicationID int64) (model.Application, error) {
	return getApplication(ctx, t.tx, applicationID, true)
}

func (t *PgTx) StagesFor(ctx context.Context, applicationID int64) ([]model.StageInstance, error) {
	return listStages(ctx, t.tx, applicationID)
}

func (t *PgTx) InsertStages(ctx context.Context, stages []model.StageInstance) error {
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"application_stages"},
		[]string{
			"application_id", "stage_key", "name", "description", "assigned_role",
			"assigned_user_id", "sequence", "status", "started_at", "completed_at",
			"due_date", "payload", "created_at", "updated_at",
		},
		pgx.CopyFromSlice(len(stages), func(i int) ([]any, error) {
			s := stages[i]
			return []any{
				s.ApplicationID, string(s.StageKey), s.Name, s.Description, s.AssignedRole,
				s.AssignedUserID, s.Sequence, string(s.Status), s.StartedAt, s.CompletedAt,
				s.DueDate, jsonArg(s.Payload), s.CreatedAt, s.UpdatedAt,
			}, nil
		}),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.NewConflictError("stages already exist for this application")
		}
		return fmt.Errorf("copy stages: %w", err)
	}
	return nil
}

func (t *PgTx) LockStage(ctx context.Context, stageID int64) (model.StageInstance, error) {
	stage, err := scanStage(t.tx.QueryRow(ctx, selectStage+` WHERE id = $1 FOR UPDATE`, stageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StageInstance{}, model.NewNotFoundError(fmt.Sprintf("stage %d not found", stageID))
	}
	if err != nil {
		return model.StageInstance{}, fmt.Errorf("lock stage: %w", err)
	}
	return stage, nil
}

func (t *PgTx) UpdateStage(ctx context.Context, stage model.StageInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE application_stages SET
			assigned_role = $1,
			assigned_user_id = $2,
			status = $3,
			started_at = $4,
			completed_at = $5,
			payload = $6,
			updated_at = $7
		WHERE id = $8`,
		stage.AssignedRole, stage.AssignedUserID, string(stage.Status),
		stage.StartedAt, stage.CompletedAt, jsonArg(stage.Payload), stage.UpdatedAt,
		stage.ID,
	)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("stage %d not found", stage.ID))
	}
	return nil
}

func (t *PgTx) NextStage(ctx context.Context, applicationID int64, afterSequence int) (model.StageInstance, bool, error) {
	stage, err := scanStage(t.tx.QueryRow(ctx, selectStage+`
		WHERE application_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT 1`,
		applicationID, afterSequence,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StageInstance{}, false, nil
	}
	if err != nil {
		return model.StageInstance{}, false, fmt.Errorf("query next stage: %w", err)
	}
	return stage, true, nil
}

func (t *PgTx) UpdatePointers(ctx context.Context, applicationID int64, p model.WorkflowPointers, now time.Time) error {
	var stageKey, stageStatus *string
	if p.StageKey != nil {
		v := string(*p.StageKey)
		stageKey = &v
	}
	if p.StageStatus != nil {
		v := string(*p.StageStatus)
		stageStatus = &v
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE applications SET
			current_stage_key = $1,
			current_stage_status = $2,
			current_assignee_role = $3,
			current_assignee_id = $4,
			next_action_due = $5,
			updated_at = $6
		WHERE id = $7`,
		stageKey, stageStatus, p.AssigneeRole, p.AssigneeID, p.NextDue, now, applicationID,
	)
	if err != nil {
		return fmt.Errorf("update application pointers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return applicationNotFound(applicationID)
	}
	return nil
}

func (t *PgTx) AppendTimeline(ctx context.Context, entry model.TimelineEntry) (model.TimelineEntry, error) {
	var stageKey *string
	if entry.StageKey != nil {
		v := string(*entry.StageKey)
		stageKey = &v
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO application_timeline (
			application_id, stage_key, event_type, performed_by_id,
			performed_by_name, notes, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.ApplicationID, stageKey, string(entry.EventType), entry.PerformedByID,
		entry.PerformedByName, entry.Notes, jsonArg(entry.Metadata), entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return model.TimelineEntry{}, fmt.Errorf("insert timeline entry: %w", err)
	}
	return entry, nil
}

func (t *PgTx) InsertCommunication(ctx context.Context, c model.Communication) (model.Communication, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO application_communications (
			application_id, recipient_type, recipient_address, channel,
			subject, body, status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		c.ApplicationID, c.RecipientType, c.RecipientAddress, c.Channel,
		c.Subject, c.Body, c.Status, jsonArg(c.Metadata), c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return model.Communication{}, fmt.Errorf("insert communication: %w", err)
	}
	return c, nil
}

const selectApplication = `
	SELECT id, reference, applicant_name, applicant_email,
	       current_stage_key, current_stage_status, current_assignee_role,
	       current_assignee_id, next_action_due, created_at, updated_at
	FROM applications`

const selectStage = `
	SELECT id, application_id, stage_key, name, description, assigned_role,
	       assigned_user_id, sequence, status, started_at, completed_at,
	       due_date, payload, created_at, updated_at
	FROM application_stages`

func getApplication(ctx context.Context, q pgQuerier, applicationID int64, lock bool) (model.Application, error) {
	query := selectApplication + ` WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var app model.Application
	var stageKey, stageStatus *string
	err := q.QueryRow(ctx, query, applicationID).Scan(
		&app.ID, &app.Reference, &app.ApplicantName, &app.ApplicantEmail,
		&stageKey, &stageStatus, &app.CurrentAssigneeRole,
		&app.CurrentAssigneeID, &app.NextActionDue, &app.CreatedAt, &app.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Application{}, applicationNotFound(applicationID)
	}
	if err != nil {
		return model.Application{}, fmt.Errorf("query application: %w", err)
	}
	if stageKey != nil {
		k := model.StageKey(*stageKey)
		app.CurrentStageKey = &k
	}
	if stageStatus != nil {
		s := model.StageStatus(*stageStatus)
		app.CurrentStageStatus = &s
	}
	return app, nil
}

func listStages(ctx context.Context, q pgQuerier, applicationID int64) ([]model.StageInstance, error) {
	rows, err := q.Query(ctx, selectStage+` WHERE application_id = $1 ORDER BY sequence ASC`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	stages := []model.StageInstance{}
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func scanStage(row pgx.Row) (model.StageInstance, error) {
	var s model.StageInstance
	var stageKey, status string
	var payload []byte
	if err := row.Scan(
		&s.ID, &s.ApplicationID, &stageKey, &s.Name, &s.Description, &s.AssignedRole,
		&s.AssignedUserID, &s.Sequence, &status, &s.StartedAt, &s.CompletedAt,
		&s.DueDate, &payload, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return model.StageInstance{}, err
	}
	s.StageKey = model.StageKey(stageKey)
	s.Status = model.StageStatus(status)
	s.Payload = payload
	return s, nil
}

// jsonArg turns an empty payload into SQL NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
