package domain

import "time"

type ProjectType struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	RequiredAssignments []string `json:"required_assignments,omitempty"`
}

type Stage struct {
	ID                   string   `json:"id"`
	ProjectTypeID        string   `json:"project_type_id"`
	Name                 string   `json:"name"`
	Order                int      `json:"order"`
	Color                string   `json:"color,omitempty"`
	AssignedRoleID       *string  `json:"assigned_role_id,omitempty"`
	MaxInstanceTimeHours *float64 `json:"max_instance_time_hours,omitempty"`
	IsFinal              bool     `json:"is_final"`
	StageApprovalID      *string  `json:"stage_approval_id,omitempty"`
}

// Monitored reports whether the stage carries an SLA limit.
func (s Stage) Monitored() bool {
	return s.MaxInstanceTimeHours != nil && *s.MaxInstanceTimeHours > 0
}

type ChangeReason struct {
	ID      string `json:"id"`
	StageID string `json:"stage_id"`
	Reason  string `json:"reason"`
	Order   int    `json:"order"`
}

type FieldType string

const (
	FieldNumber      FieldType = "number"
	FieldShortText   FieldType = "short_text"
	FieldLongText    FieldType = "long_text"
	FieldMultiSelect FieldType = "multi_select"
	FieldBoolean     FieldType = "boolean"
)

// ReasonFieldTypes lists the types a change reason field may have.
var ReasonFieldTypes = []FieldType{FieldNumber, FieldShortText, FieldLongText, FieldMultiSelect}

// ApprovalFieldTypes lists the types an approval gate field may have.
var ApprovalFieldTypes = []FieldType{FieldBoolean, FieldNumber, FieldShortText, FieldLongText}

type ReasonCustomField struct {
	ID          string    `json:"id"`
	ReasonID    string    `json:"reason_id"`
	FieldName   string    `json:"field_name"`
	FieldType   FieldType `json:"field_type" enum:"number,short_text,long_text,multi_select"`
	IsRequired  bool      `json:"is_required"`
	Options     []string  `json:"options,omitempty"`
	Order       int       `json:"order"`
	Placeholder string    `json:"placeholder,omitempty"`
}

type StageApproval struct {
	ID            string `json:"id"`
	ProjectTypeID string `json:"project_type_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
}

type ComparisonType string

const (
	CompareEqualTo     ComparisonType = "equal_to"
	CompareLessThan    ComparisonType = "less_than"
	CompareGreaterThan ComparisonType = "greater_than"
)

type StageApprovalField struct {
	ID                   string         `json:"id"`
	StageApprovalID      string         `json:"stage_approval_id"`
	FieldName            string         `json:"field_name"`
	FieldType            FieldType      `json:"field_type" enum:"boolean,number,short_text,long_text"`
	ExpectedValueBoolean *bool          `json:"expected_value_boolean,omitempty"`
	ExpectedValueNumber  *float64       `json:"expected_value_number,omitempty"`
	ComparisonType       ComparisonType `json:"comparison_type,omitempty" enum:"equal_to,less_than,greater_than"`
	Order                int            `json:"order"`
	Description          string         `json:"description,omitempty"`
}

// HasExpectation reports whether a submitted value is scored against the field.
func (f StageApprovalField) HasExpectation() bool {
	switch f.FieldType {
	case FieldBoolean:
		return f.ExpectedValueBoolean != nil
	case FieldNumber:
		return f.ExpectedValueNumber != nil
	default:
		return false
	}
}

type ChronologyEntry struct {
	Stage     string    `json:"stage"`
	EnteredAt time.Time `json:"entered_at" format:"date-time"`
}

// Chronology is the append-only timeline of stage entries, oldest first.
type Chronology []ChronologyEntry

// LastEntryFor returns the most recent entry for stage. The current stage is
// always the tail, so the scan normally stops at the first element it reads.
func (c Chronology) LastEntryFor(stage string) (ChronologyEntry, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Stage == stage {
			return c[i], true
		}
	}
	return ChronologyEntry{}, false
}

// Last returns the tail entry.
func (c Chronology) Last() (ChronologyEntry, bool) {
	if len(c) == 0 {
		return ChronologyEntry{}, false
	}
	return c[len(c)-1], true
}

type Project struct {
	ID                string     `json:"id"`
	ProjectTypeID     string     `json:"project_type_id"`
	Name              string     `json:"name,omitempty"`
	CurrentStatus     string     `json:"current_status"`
	Chronology        Chronology `json:"chronology"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
	CompletionStatus  *string    `json:"completion_status,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" format:"date-time"`
	CurrentAssigneeID *string    `json:"current_assignee_id,omitempty"`
	ClientManagerID   *string    `json:"client_manager_id,omitempty"`
	BookkeeperID      *string    `json:"bookkeeper_id,omitempty"`
	Version           int64      `json:"version"`
}

// Closed reports whether the project reached a completion status.
func (p Project) Closed() bool {
	return p.CompletionStatus != nil && *p.CompletionStatus != ""
}

// Assignment returns the assignee for a named project role.
func (p Project) Assignment(role string) *string {
	switch role {
	case "current_assignee":
		return p.CurrentAssigneeID
	case "client_manager":
		return p.ClientManagerID
	case "bookkeeper":
		return p.BookkeeperID
	default:
		return nil
	}
}

type Attachment struct {
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FileType   string `json:"file_type,omitempty"`
	ObjectPath string `json:"object_path"`
}

type TransitionRecord struct {
	ID                string             `json:"id"`
	ProjectID         string             `json:"project_id"`
	FromStage         string             `json:"from_stage"`
	ToStage           string             `json:"to_stage"`
	ReasonID          string             `json:"reason_id,omitempty"`
	Reason            string             `json:"reason,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	FieldResponses    []FieldResponse    `json:"field_responses"`
	ApprovalResponses []ApprovalResponse `json:"approval_responses,omitempty"`
	Attachments       []Attachment       `json:"attachments"`
	ActorID           string             `json:"actor_id"`
	ActorRole         string             `json:"actor_role,omitempty"`
	OccurredAt        time.Time          `json:"occurred_at" format:"date-time"`
}

type Notification struct {
	ProjectID    string   `json:"project_id"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	RecipientIDs []string `json:"recipient_ids,omitempty"`
	RoleID       string   `json:"role_id,omitempty"`
	FromStage    string   `json:"from_stage"`
	ToStage      string   `json:"to_stage"`
	ActorID      string   `json:"actor_id"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
