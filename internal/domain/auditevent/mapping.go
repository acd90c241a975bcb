package auditevent

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/erezept/erp/internal/platform/fhir"
)

var xhtmlTag = regexp.MustCompile(`<[^>]*>`)

type auditEventResource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Text         *fhir.Narrative `json:"text,omitempty"`
	Type         fhir.Coding     `json:"type"`
	Subtype      []fhir.Coding   `json:"subtype,omitempty"`
	Action       string          `json:"action,omitempty"`
	Recorded     string          `json:"recorded"`
	Outcome      string          `json:"outcome,omitempty"`
	Agent        []struct {
		Name string          `json:"name,omitempty"`
		Who  *fhir.Reference `json:"who,omitempty"`
	} `json:"agent,omitempty"`
	Entity []struct {
		What        *fhir.Reference `json:"what,omitempty"`
		Name        string          `json:"name,omitempty"`
		Description string          `json:"description,omitempty"`
	} `json:"entity,omitempty"`
}

// ParseBundle decodes a FHIR searchset Bundle and maps every AuditEvent
// entry to a domain event owned by profileID. Entries of other resource
// types are skipped.
func ParseBundle(raw []byte, profileID string) ([]*AuditEvent, error) {
	var bundle fhir.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected resource type %q", bundle.ResourceType)
	}

	events := make([]*AuditEvent, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var res auditEventResource
		if err := json.Unmarshal(entry.Resource, &res); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", i, err)
		}
		if res.ResourceType != "AuditEvent" {
			continue
		}
		event, err := mapResource(&res, profileID)
		if err != nil {
			return nil, fmt.Errorf("map entry %d: %w", i, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func mapResource(res *auditEventResource, profileID string) (*AuditEvent, error) {
	if res.ID == "" {
		return nil, fmt.Errorf("audit event without id")
	}
	recorded, err := time.Parse(time.RFC3339, res.Recorded)
	if err != nil {
		return nil, fmt.Errorf("audit event %s: invalid recorded timestamp: %w", res.ID, err)
	}

	a := &AuditEvent{
		ID:        EventID(profileID, res.ID),
		FHIRID:    res.ID,
		ProfileID: profileID,
		TypeCode:  res.Type.Code,
		Action:    res.Action,
		Recorded:  recorded.UTC(),
		Outcome:   res.Outcome,
	}
	if len(res.Subtype) > 0 {
		a.SubtypeCode = res.Subtype[0].Code
	}
	if len(res.Agent) > 0 {
		a.AgentName = res.Agent[0].Name
		if a.AgentName == "" && res.Agent[0].Who != nil {
			a.AgentName = res.Agent[0].Who.Display
		}
	}

	var entityDesc string
	if len(res.Entity) > 0 {
		ent := res.Entity[0]
		a.EntityName = ent.Name
		entityDesc = ent.Description
		if ent.What != nil {
			a.EntityWhatType, a.TaskID = taskReference(ent.What)
		}
	}

	a.Description = narrativeText(res.Text)
	if a.Description == "" {
		a.Description = strings.TrimSpace(entityDesc)
	}
	if a.Description == "" {
		a.Description = res.Type.Display
	}
	return a, nil
}

// narrativeText flattens an XHTML narrative into plain text.
func narrativeText(n *fhir.Narrative) string {
	if n == nil || n.Div == "" {
		return ""
	}
	text := xhtmlTag.ReplaceAllString(n.Div, " ")
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

// taskReference extracts the referenced resource type and, for tasks, the
// task id. "Task/160.000.000.000.001.05/$accept" yields "160.000.000.000.001.05".
// An identifier-only reference is read as a prescription id, which is the
// task id on the e-prescription backend.
func taskReference(ref *fhir.Reference) (string, *string) {
	if ref.Reference != "" {
		parts := strings.Split(ref.Reference, "/")
		for i := 0; i+1 < len(parts); i++ {
			if parts[i] == "Task" && parts[i+1] != "" {
				id := parts[i+1]
				return "Task", &id
			}
		}
	}
	if ref.Identifier != nil && ref.Identifier.Value != "" && (ref.Type == "" || ref.Type == "Task") {
		id := ref.Identifier.Value
		return "Task", &id
	}
	rt := ref.Type
	if rt == "" && ref.Reference != "" {
		rt = strings.SplitN(ref.Reference, "/", 2)[0]
	}
	return rt, nil
}
