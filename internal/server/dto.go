package server

import (
	"stageline/internal/domain"
	"stageline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID                string `json:"id,omitempty"`
	ProjectTypeID     string `json:"project_type_id"`
	Name              string `json:"name,omitempty"`
	CurrentAssigneeID string `json:"current_assignee_id,omitempty"`
	ClientManagerID   string `json:"client_manager_id,omitempty"`
	BookkeeperID      string `json:"bookkeeper_id,omitempty"`
}

type TransitionBody struct {
	TargetStage       string                 `json:"target_stage"`
	ReasonID          string                 `json:"reason_id,omitempty"`
	FieldResponses    []engine.ResponseInput `json:"field_responses,omitempty"`
	ApprovalResponses []engine.ResponseInput `json:"approval_responses,omitempty"`
	Notes             string                 `json:"notes,omitempty"`
	Attachments       []domain.Attachment    `json:"attachments,omitempty"`
	ExpectedVersion   *int64                 `json:"expected_version,omitempty"`
}

func (r TransitionBody) toEngine(projectID string, p Principal) engine.TransitionRequest {
	return engine.TransitionRequest{
		ProjectID:         projectID,
		Actor:             p.Actor(),
		TargetStage:       r.TargetStage,
		ReasonID:          r.ReasonID,
		FieldResponses:    r.FieldResponses,
		ApprovalResponses: r.ApprovalResponses,
		Notes:             r.Notes,
		Attachments:       r.Attachments,
		ExpectedVersion:   r.ExpectedVersion,
	}
}

type CompleteProjectRequest struct {
	Status string `json:"status,omitempty" example:"completed"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type ProjectResponse struct {
	domain.Project
	Timer engine.StageTimer `json:"timer"`
}
