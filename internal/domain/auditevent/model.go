package auditevent

import (
	"html"
	"time"

	"github.com/google/uuid"

	"github.com/erezept/erp/internal/platform/fhir"
)

// idNamespace seeds the name-based UUIDs of audit events so that the same
// FHIR resource downloaded twice for a profile maps to the same row.
var idNamespace = uuid.MustParse("2f5c0b8e-6d1a-4f1e-9a57-3c1d9e0b7a44")

type AuditEvent struct {
	ID             uuid.UUID `db:"id" json:"id"`
	FHIRID         string    `db:"fhir_id" json:"fhir_id"`
	ProfileID      string    `db:"profile_id" json:"profile_id"`
	TaskID         *string   `db:"task_id" json:"task_id,omitempty"`
	Description    string    `db:"description" json:"description"`
	TypeCode       string    `db:"type_code" json:"type_code"`
	SubtypeCode    string    `db:"subtype_code" json:"subtype_code"`
	Action         string    `db:"action" json:"action"`
	Recorded       time.Time `db:"recorded" json:"recorded"`
	Outcome        string    `db:"outcome" json:"outcome"`
	AgentName      string    `db:"agent_name" json:"agent_name"`
	EntityWhatType string    `db:"entity_what_type" json:"entity_what_type"`
	EntityName     string    `db:"entity_name" json:"entity_name"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// EventID returns the stable row id for a FHIR AuditEvent of a profile.
func EventID(profileID, fhirID string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(profileID+"/"+fhirID))
}

// Record is the public view of an audit event handed to consumers.
type Record struct {
	AuditID     string    `json:"audit_id"`
	TaskID      *string   `json:"task_id,omitempty"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

func (a *AuditEvent) ToRecord() Record {
	var taskID *string
	if a.TaskID != nil {
		id := *a.TaskID
		taskID = &id
	}
	return Record{
		AuditID:     a.FHIRID,
		TaskID:      taskID,
		Description: a.Description,
		Timestamp:   a.Recorded,
	}
}

func (a *AuditEvent) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "AuditEvent",
		"id":           a.FHIRID,
		"type":         fhir.Coding{Code: a.TypeCode},
		"action":       a.Action,
		"recorded":     a.Recorded.UTC().Format(time.RFC3339),
	}
	if a.Description != "" {
		result["text"] = fhir.Narrative{
			Status: "generated",
			Div:    `<div xmlns="http://www.w3.org/1999/xhtml">` + html.EscapeString(a.Description) + `</div>`,
		}
	}
	if a.SubtypeCode != "" {
		result["subtype"] = []fhir.Coding{{Code: a.SubtypeCode}}
	}
	if a.Outcome != "" {
		result["outcome"] = a.Outcome
	}
	if a.AgentName != "" {
		result["agent"] = []interface{}{
			map[string]interface{}{"name": a.AgentName, "requestor": false},
		}
	}

	entity := map[string]interface{}{}
	if a.TaskID != nil {
		entity["what"] = fhir.Reference{Reference: fhir.FormatReference("Task", *a.TaskID)}
	}
	if a.EntityName != "" {
		entity["name"] = a.EntityName
	}
	if len(entity) > 0 {
		result["entity"] = []interface{}{entity}
	}
	return result
}
