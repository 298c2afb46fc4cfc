package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed validation.
type Kind string

const (
	KindProjectClosed   Kind = "project_closed"
	KindUnauthorized    Kind = "unauthorized"
	KindInvalidReason   Kind = "invalid_reason"
	KindValidationError Kind = "validation_error"
)

// Issue codes carried by validation results.
const (
	CodeProjectClosed    = "project_closed"
	CodeUnauthorized     = "unauthorized"
	CodeReasonRequired   = "reason_required"
	CodeReasonInvalid    = "reason_invalid"
	CodeRequired         = "required"
	CodeNotNumeric       = "not_numeric"
	CodeInvalidType      = "invalid_type"
	CodeInvalidOption    = "invalid_option"
	CodeUnknownField     = "unknown_field"
	CodeDuplicateField   = "duplicate_field"
	CodeAttachment       = "attachment_invalid"
	CodeApprovalRequired = "approval_required"
	CodeApprovalFailed   = "approval_failed"
)

// Issue is one itemized validation failure, tagged with the rule and the
// field it concerns.
type Issue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	FieldID string `json:"field_id,omitempty"`
	Message string `json:"message"`
}

// ConfigurationError reports pipeline configuration the engine cannot act on,
// such as an unresolvable stage or an approval gate without fields.
type ConfigurationError struct {
	Subject string
	ID      string
	Problem string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %q %s", e.Subject, e.ID, e.Problem)
}

// ConcurrentModificationError reports that the project moved after validation.
type ConcurrentModificationError struct {
	ProjectID       string
	ExpectedStage   string
	ActualStage     string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("project %s changed concurrently: expected %s@v%d, found %s@v%d",
		e.ProjectID, e.ExpectedStage, e.ExpectedVersion, e.ActualStage, e.ActualVersion)
}

// ValidationFailure is returned by CommitTransition when re-validation inside
// the critical section rejects the transition.
type ValidationFailure struct {
	Result ValidationResult
}

func (e *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, is := range e.Result.Errors {
		msgs = append(msgs, is.Message)
	}
	return fmt.Sprintf("%s: %s", e.Result.Kind, strings.Join(msgs, "; "))
}

// ProjectClosedError is returned by operations that mutate a completed project.
type ProjectClosedError struct {
	ProjectID string
}

func (e *ProjectClosedError) Error() string {
	return fmt.Sprintf("project %s is closed", e.ProjectID)
}

// MissingAssignmentsError lists required assignments absent on creation.
type MissingAssignmentsError struct {
	Roles []string
}

func (e *MissingAssignmentsError) Error() string {
	return fmt.Sprintf("missing required assignments: %s", strings.Join(e.Roles, ", "))
}

var ErrStageNotFinal = errors.New("project is not in a final stage")
