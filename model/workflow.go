package model

import (
	"encoding/json"
	"time"
)

// StageKey identifies one step of the admissions review pipeline.
type StageKey string

// Stage keys in pipeline order.
const (
	StageDocumentVerification StageKey = "DOCUMENT_VERIFICATION"
	StageFinancialReview      StageKey = "FINANCIAL_REVIEW"
	StageAssessmentScheduling StageKey = "ASSESSMENT_SCHEDULING"
	StageAssessmentOutcome    StageKey = "ASSESSMENT_OUTCOME"
	StageFinalDecision        StageKey = "FINAL_DECISION"
	StageEnrolmentPack        StageKey = "ENROLMENT_PACK"
)

// Organizational roles that own stages.
const (
	RoleSecretary         = "SECRETARY"
	RoleBursar            = "BURSAR"
	RoleAdmissionsOfficer = "ADMISSIONS_OFFICER"
	RoleHeadOfAcademics   = "HEAD_OF_ACADEMICS"
	RolePrincipal         = "PRINCIPAL"
)

// StageStatus is the lifecycle status of a stage instance.
type StageStatus string

// Stage status constants.
const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusInProgress StageStatus = "IN_PROGRESS"
	StageStatusCompleted  StageStatus = "COMPLETED"
	StageStatusOnHold     StageStatus = "ON_HOLD"
)

// StageStatuses lists every accepted stage status.
var StageStatuses = []StageStatus{
	StageStatusPending,
	StageStatusInProgress,
	StageStatusCompleted,
	StageStatusOnHold,
}

// Valid reports whether s is one of the four accepted statuses.
func (s StageStatus) Valid() bool {
	for _, v := range StageStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// TimelineEventType classifies a timeline entry.
type TimelineEventType string

// Timeline event types.
const (
	EventWorkflowInitialized TimelineEventType = "WORKFLOW_INITIALIZED"
	EventStageActivated      TimelineEventType = "STAGE_ACTIVATED"
	EventStageStatusUpdated  TimelineEventType = "STAGE_STATUS_UPDATED"
	EventStageAssigned       TimelineEventType = "STAGE_ASSIGNED"
	EventCommunicationLogged TimelineEventType = "COMMUNICATION_LOGGED"
	EventWorkflowCompleted   TimelineEventType = "WORKFLOW_COMPLETED"
)

// CommunicationStatusQueued is the default status of a logged communication.
const CommunicationStatusQueued = "QUEUED"

// StageTemplate is the immutable definition of one pipeline stage.
type StageTemplate struct {
	StageKey          StageKey        `json:"stage_key"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	AssignedRole      string          `json:"assigned_role"`
	Sequence          int             `json:"sequence"`
	DueInBusinessDays int             `json:"due_in_business_days"`
	DefaultPayload    json.RawMessage `json:"default_payload,omitempty"`
}

// Application is the admissions application record. Only the workflow
// pointer fields are maintained by the workflow engine; they mirror the
// currently active stage.
type Application struct {
	ID                  int64        `json:"id"`
	Reference           string       `json:"reference"`
	ApplicantName       string       `json:"applicant_name"`
	ApplicantEmail      string       `json:"applicant_email,omitempty"`
	CurrentStageKey     *StageKey    `json:"current_stage_key"`
	CurrentStageStatus  *StageStatus `json:"current_stage_status"`
	CurrentAssigneeRole *string      `json:"current_assignee_role"`
	CurrentAssigneeID   *int64       `json:"current_assignee_id"`
	NextActionDue       *time.Time   `json:"next_action_due"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Completed reports whether the application holds terminal pointers. A
// completion cascade always moves the pointers to the next stage, so a
// COMPLETED current status only occurs once the last stage is done.
func (a Application) Completed() bool {
	return a.CurrentStageStatus != nil && *a.CurrentStageStatus == StageStatusCompleted
}

// Pointers returns the application's denormalized workflow pointer fields.
func (a Application) Pointers() WorkflowPointers {
	return WorkflowPointers{
		StageKey:     a.CurrentStageKey,
		StageStatus:  a.CurrentStageStatus,
		AssigneeRole: a.CurrentAssigneeRole,
		AssigneeID:   a.CurrentAssigneeID,
		NextDue:      a.NextActionDue,
	}
}

// WorkflowPointers is the set of cache columns on an application that
// mirror its active stage.
type WorkflowPointers struct {
	StageKey     *StageKey
	StageStatus  *StageStatus
	AssigneeRole *string
	AssigneeID   *int64
	NextDue      *time.Time
}

// PointersFor builds pointer fields that mirror the given stage.
func PointersFor(stage StageInstance) WorkflowPointers {
	key := stage.StageKey
	status := stage.Status
	role := stage.AssignedRole
	return WorkflowPointers{
		StageKey:     &key,
		StageStatus:  &status,
		AssigneeRole: &role,
		AssigneeID:   cloneInt64(stage.AssignedUserID),
		NextDue:      cloneTime(stage.DueDate),
	}
}

// TerminalPointers builds the pointer fields of a workflow whose last stage
// has completed: assignee and due date are cleared.
func TerminalPointers(last StageKey) WorkflowPointers {
	status := StageStatusCompleted
	return WorkflowPointers{StageKey: &last, StageStatus: &status}
}

// Apply copies p onto the application's pointer fields.
func (p WorkflowPointers) Apply(a *Application) {
	a.CurrentStageKey = p.StageKey
	a.CurrentStageStatus = p.StageStatus
	a.CurrentAssigneeRole = p.AssigneeRole
	a.CurrentAssigneeID = p.AssigneeID
	a.NextActionDue = p.NextDue
}

// StageInstance is one application's copy of a stage template.
type StageInstance struct {
	ID             int64           `json:"id"`
	ApplicationID  int64           `json:"application_id"`
	StageKey       StageKey        `json:"stage_key"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	AssignedRole   string          `json:"assigned_role"`
	AssignedUserID *int64          `json:"assigned_user_id"`
	Sequence       int             `json:"sequence"`
	Status         StageStatus     `json:"status"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	DueDate        *time.Time      `json:"due_date"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TimelineEntry is one immutable record of the workflow audit trail.
type TimelineEntry struct {
	ID              int64             `json:"id"`
	ApplicationID   int64             `json:"application_id"`
	StageKey        *StageKey         `json:"stage_key"`
	EventType       TimelineEventType `json:"event_type"`
	PerformedByID   *int64            `json:"performed_by_id"`
	PerformedByName *string           `json:"performed_by_name"`
	Notes           *string           `json:"notes"`
	Metadata        json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Communication records outbound correspondence queued for an application.
type Communication struct {
	ID               int64           `json:"id"`
	ApplicationID    int64           `json:"application_id"`
	RecipientType    string          `json:"recipient_type"`
	RecipientAddress string          `json:"recipient_address"`
	Channel          string          `json:"channel"`
	Subject          *string         `json:"subject"`
	Body             string          `json:"body"`
	Status           string          `json:"status"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Actor identifies who performed a workflow action. Both fields are nil for
// system-generated events.
type Actor struct {
	ID   *int64  `json:"actor_id,omitempty"`
	Name *string `json:"actor_name,omitempty"`
}

// StatusUpdate is the input of a stage status transition. A non-empty
// Payload replaces the stage's checklist payload.
type StatusUpdate struct {
	Status   StageStatus     `json:"status"`
	Notes    *string         `json:"notes,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Actor
	Guard StageGuard `json:"-"`
}

// StageGuard vets the locked stage before a mutation is applied. A non-nil
// error aborts the transaction and is returned unchanged.
type StageGuard func(StageInstance) error

// Assignment is the input of a stage reassignment. A nil AssignedRole keeps
// the stage's current role; a nil AssignedUserID leaves the stage owned by
// the role alone.
type Assignment struct {
	AssignedRole   *string         `json:"assigned_role,omitempty"`
	AssignedUserID *int64          `json:"assigned_user_id,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Actor
	Guard StageGuard `json:"-"`
}

// CommunicationInput is the input of the communication log.
type CommunicationInput struct {
	RecipientType    string          `json:"recipient_type"`
	RecipientAddress string          `json:"recipient_address"`
	Channel          string          `json:"channel"`
	Subject          *string         `json:"subject,omitempty"`
	Body             string          `json:"body"`
	Status           string          `json:"status,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	Actor
}

// NewApplication is the intake input for creating an application record.
type NewApplication struct {
	Reference      string `json:"reference"`
	ApplicantName  string `json:"applicant_name"`
	ApplicantEmail string `json:"applicant_email,omitempty"`
}

// WorkflowSummary aggregates everything staff need to review an
// application's progress. The lists are read independently and need not
// reflect the same instant.
type WorkflowSummary struct {
	Application    Application     `json:"application"`
	Stages         []StageInstance `json:"stages"`
	Timeline       []TimelineEntry `json:"timeline"`
	Communications []Communication `json:"communications"`
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
