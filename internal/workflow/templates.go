package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pitabwire/admissions/model"
)

// templates is the fixed admissions pipeline, in sequence order. It is never
// mutated at runtime; accessors hand out copies.
var templates = []model.StageTemplate{
	{
		StageKey:          model.StageDocumentVerification,
		Name:              "Document Verification",
		Description:       "Confirm the applicant's birth certificate, previous school reports and identity documents are complete and authentic.",
		AssignedRole:      model.RoleSecretary,
		Sequence:          1,
		DueInBusinessDays: 2,
		DefaultPayload: json.RawMessage(`{"checklist":[` +
			`{"item":"birth_certificate","done":false},` +
			`{"item":"previous_reports","done":false},` +
			`{"item":"guardian_identification","done":false},` +
			`{"item":"passport_photo","done":false}]}`),
	},
	{
		StageKey:          model.StageFinancialReview,
		Name:              "Financial Review",
		Description:       "Review the fee agreement, deposit and any bursary or sibling discount requests.",
		AssignedRole:      model.RoleBursar,
		Sequence:          2,
		DueInBusinessDays: 3,
		DefaultPayload: json.RawMessage(`{"checklist":[` +
			`{"item":"fee_agreement_signed","done":false},` +
			`{"item":"deposit_received","done":false},` +
			`{"item":"bursary_assessed","done":false}]}`),
	},
	{
		StageKey:          model.StageAssessmentScheduling,
		Name:              "Assessment Scheduling",
		Description:       "Book the entrance assessment and interview and notify the family of the slot.",
		AssignedRole:      model.RoleAdmissionsOfficer,
		Sequence:          3,
		DueInBusinessDays: 5,
		DefaultPayload:    json.RawMessage(`{"assessment_date":null,"interview_date":null,"venue":null}`),
	},
	{
		StageKey:          model.StageAssessmentOutcome,
		Name:              "Assessment Outcome",
		Description:       "Record assessment scores and the academic recommendation.",
		AssignedRole:      model.RoleHeadOfAcademics,
		Sequence:          4,
		DueInBusinessDays: 5,
		DefaultPayload:    json.RawMessage(`{"scores":{},"recommendation":null}`),
	},
	{
		StageKey:          model.StageFinalDecision,
		Name:              "Final Decision",
		Description:       "Approve, waitlist or decline the application.",
		AssignedRole:      model.RolePrincipal,
		Sequence:          5,
		DueInBusinessDays: 3,
		DefaultPayload:    json.RawMessage(`{"decision":null,"conditions":[]}`),
	},
	{
		StageKey:          model.StageEnrolmentPack,
		Name:              "Enrolment Pack",
		Description:       "Send the enrolment pack and confirm the start date and class placement.",
		AssignedRole:      model.RoleAdmissionsOfficer,
		Sequence:          6,
		DueInBusinessDays: 2,
		DefaultPayload: json.RawMessage(`{"checklist":[` +
			`{"item":"pack_sent","done":false},` +
			`{"item":"uniform_list_sent","done":false},` +
			`{"item":"start_date_confirmed","done":false}]}`),
	},
}

// Templates returns the stage templates ordered by ascending sequence.
func Templates() []model.StageTemplate {
	out := make([]model.StageTemplate, len(templates))
	for i, t := range templates {
		t.DefaultPayload = append(json.RawMessage(nil), t.DefaultPayload...)
		out[i] = t
	}
	return out
}

// TemplateFor returns the template with the given key.
func TemplateFor(key model.StageKey) (model.StageTemplate, bool) {
	for _, t := range templates {
		if t.StageKey == key {
			t.DefaultPayload = append(json.RawMessage(nil), t.DefaultPayload...)
			return t, true
		}
	}
	return model.StageTemplate{}, false
}

// SequenceOf returns the pipeline position of key.
func SequenceOf(key model.StageKey) (int, bool) {
	t, ok := TemplateFor(key)
	if !ok {
		return 0, false
	}
	return t.Sequence, true
}

// ValidateTemplates checks the registry for unique keys, strictly increasing
// sequences, non-empty roles and well-formed payloads.
func ValidateTemplates() error {
	return validateTemplates(templates)
}

func validateTemplates(tpls []model.StageTemplate) error {
	if len(tpls) == 0 {
		return errors.New("no stage templates registered")
	}
	seen := make(map[model.StageKey]bool, len(tpls))
	prev := 0
	for _, t := range tpls {
		if seen[t.StageKey] {
			return fmt.Errorf("duplicate stage key %s", t.StageKey)
		}
		seen[t.StageKey] = true
		if t.Sequence <= prev {
			return fmt.Errorf("stage %s: sequence %d does not follow %d", t.StageKey, t.Sequence, prev)
		}
		prev = t.Sequence
		if t.AssignedRole == "" {
			return fmt.Errorf("stage %s: no assigned role", t.StageKey)
		}
		if len(t.DefaultPayload) > 0 && !json.Valid(t.DefaultPayload) {
			return fmt.Errorf("stage %s: default payload is not valid JSON", t.StageKey)
		}
	}
	return nil
}
