package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID                string            `json:"id"`
	ProjectTypeID     string            `json:"project_type_id"`
	Name              string            `json:"name,omitempty"`
	CurrentStatus     string            `json:"current_status"`
	Chronology        []ChronologyEntry `json:"chronology"`
	CreatedAt         time.Time         `json:"created_at"`
	CompletionStatus  *string           `json:"completion_status,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CurrentAssigneeID *string           `json:"current_assignee_id,omitempty"`
	ClientManagerID   *string           `json:"client_manager_id,omitempty"`
	BookkeeperID      *string           `json:"bookkeeper_id,omitempty"`
	Version           int64             `json:"version"`
	Timer             *Timer            `json:"timer,omitempty"`
}

type ChronologyEntry struct {
	Stage     string    `json:"stage"`
	EnteredAt time.Time `json:"entered_at"`
}

// CreateProject is the payload for creating a project.
type CreateProject struct {
	ID                string `json:"id,omitempty"`
	ProjectTypeID     string `json:"project_type_id"`
	Name              string `json:"name,omitempty"`
	CurrentAssigneeID string `json:"current_assignee_id,omitempty"`
	ClientManagerID   string `json:"client_manager_id,omitempty"`
	BookkeeperID      string `json:"bookkeeper_id,omitempty"`
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

// Response answers one reason field or approval field.
type Response struct {
	FieldID string `json:"field_id"`
	Value   any    `json:"value"`
}

type Attachment struct {
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FileType   string `json:"file_type,omitempty"`
	ObjectPath string `json:"object_path"`
}

// Transition is a requested stage change.
type Transition struct {
	TargetStage       string       `json:"target_stage"`
	ReasonID          string       `json:"reason_id,omitempty"`
	FieldResponses    []Response   `json:"field_responses,omitempty"`
	ApprovalResponses []Response   `json:"approval_responses,omitempty"`
	Notes             string       `json:"notes,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ExpectedVersion   *int64       `json:"expected_version,omitempty"`
}

type Issue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	FieldID string `json:"field_id,omitempty"`
	Message string `json:"message"`
}

type PendingApproval struct {
	ApprovalID string           `json:"approval_id"`
	Name       string           `json:"name"`
	Fields     []map[string]any `json:"fields"`
}

// ValidationResult is the outcome of a dry-run validation.
type ValidationResult struct {
	Valid           bool             `json:"valid"`
	Kind            string           `json:"kind,omitempty"`
	Errors          []Issue          `json:"errors,omitempty"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
}

// RecordedResponse is a stored typed answer.
type RecordedResponse struct {
	FieldID   string          `json:"field_id"`
	FieldName string          `json:"field_name,omitempty"`
	FieldType string          `json:"field_type"`
	Value     json.RawMessage `json:"value"`
	Passed    *bool           `json:"passed,omitempty"`
}

type TransitionRecord struct {
	ID                string             `json:"id"`
	ProjectID         string             `json:"project_id"`
	FromStage         string             `json:"from_stage"`
	ToStage           string             `json:"to_stage"`
	ReasonID          string             `json:"reason_id,omitempty"`
	Reason            string             `json:"reason,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	FieldResponses    []RecordedResponse `json:"field_responses"`
	ApprovalResponses []RecordedResponse `json:"approval_responses,omitempty"`
	Attachments       []Attachment       `json:"attachments"`
	ActorID           string             `json:"actor_id"`
	ActorRole         string             `json:"actor_role,omitempty"`
	OccurredAt        time.Time          `json:"occurred_at"`
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

// CommitResult is returned by a committed transition.
type CommitResult struct {
	Project      Project          `json:"project"`
	Record       TransitionRecord `json:"transition_record"`
	Notification Notification     `json:"notification_preview"`
}

type Timer struct {
	ProjectID    string    `json:"project_id"`
	Stage        string    `json:"stage"`
	EnteredAt    time.Time `json:"entered_at"`
	ElapsedHours float64   `json:"elapsed_hours"`
	LimitHours   *float64  `json:"limit_hours,omitempty"`
	Overdue      bool      `json:"overdue"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateProject creates a project. The caller needs an elevated role.
func (c *Client) CreateProject(ctx context.Context, in CreateProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", in, &resp)
	return resp, err
}

// GetProject fetches a project with its stage timer.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// LegalTransitions lists the stages the caller may move the project to.
func (c *Client) LegalTransitions(ctx context.Context, projectID string) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "transitions"), nil, &resp)
	return resp, err
}

// ValidateTransition runs validation without committing anything.
func (c *Client) ValidateTransition(ctx context.Context, projectID string, t Transition) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions/validate"), t, &resp)
	return resp, err
}

// CommitTransition validates and commits a transition.
func (c *Client) CommitTransition(ctx context.Context, projectID string, t Transition) (CommitResult, error) {
	var resp CommitResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "transitions"), t, &resp)
	return resp, err
}

// CompleteProject closes a project sitting in a final stage.
func (c *Client) CompleteProject(ctx context.Context, projectID, status string) (Project, error) {
	var body any
	if status != "" {
		body = map[string]string{"status": status}
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "complete"), body, &resp)
	return resp, err
}

// Timer returns business hours spent in the current stage.
func (c *Client) Timer(ctx context.Context, projectID string) (Timer, error) {
	var resp Timer
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "timer"), nil, &resp)
	return resp, err
}

// History returns the audit trail, oldest first.
func (c *Client) History(ctx context.Context, projectID string, limit int) ([]TransitionRecord, error) {
	endpoint := projectPath(projectID, "history")
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []TransitionRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Overdue lists open projects past their stage limit.
func (c *Client) Overdue(ctx context.Context, projectTypeID string) ([]Timer, error) {
	endpoint := "v0/overdue"
	if projectTypeID != "" {
		endpoint += "?project_type_id=" + url.QueryEscape(projectTypeID)
	}
	var resp []Timer
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func projectPath(id, p string) string {
	base := "v0/projects/" + url.PathEscape(id)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
