package engine

import (
	"context"
	"fmt"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/logging"
	"stageline/internal/repo"
)

// TransitionRequest asks to move a project to TargetStage.
type TransitionRequest struct {
	ProjectID         string              `json:"project_id"`
	Actor             auth.Actor          `json:"actor"`
	TargetStage       string              `json:"target_stage"`
	ReasonID          string              `json:"reason_id,omitempty"`
	FieldResponses    []ResponseInput     `json:"field_responses,omitempty"`
	ApprovalResponses []ResponseInput     `json:"approval_responses,omitempty"`
	Notes             string              `json:"notes,omitempty"`
	Attachments       []domain.Attachment `json:"attachments,omitempty"`
	// ExpectedVersion pins the project version the caller's view is based on.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// ValidatedTransition is a request that passed validation, with the state it
// was validated against and its typed responses.
type ValidatedTransition struct {
	Request           TransitionRequest         `json:"request"`
	FromStage         string                    `json:"from_stage"`
	ToStage           domain.Stage              `json:"to_stage"`
	Version           int64                     `json:"version"`
	Reason            *domain.ChangeReason      `json:"reason,omitempty"`
	FieldResponses    []domain.FieldResponse    `json:"field_responses"`
	ApprovalResponses []domain.ApprovalResponse `json:"approval_responses"`
}

// PendingApproval lists the gate fields a caller must collect before the
// transition can commit.
type PendingApproval struct {
	ApprovalID  string                      `json:"approval_id"`
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Fields      []domain.StageApprovalField `json:"fields"`
}

type ValidationResult struct {
	Valid           bool                 `json:"valid"`
	Kind            Kind                 `json:"kind,omitempty"`
	Errors          []Issue              `json:"errors,omitempty"`
	PendingApproval *PendingApproval     `json:"pending_approval,omitempty"`
	Transition      *ValidatedTransition `json:"transition,omitempty"`
}

func failed(kind Kind, issues ...Issue) ValidationResult {
	return ValidationResult{Kind: kind, Errors: issues}
}

// ValidateTransition checks a request without changing state. User-correctable
// failures come back in the result; configuration and store failures are
// returned as errors.
func (e Engine) ValidateTransition(ctx context.Context, req TransitionRequest) (ValidationResult, error) {
	p, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return ValidationResult{}, err
	}
	res, err := e.validate(ctx, e.Repo, req, p)
	if err != nil {
		return ValidationResult{}, err
	}
	if !res.Valid {
		logging.Debug().Add(logging.ProjectID(p.ID), logging.ToStage(req.TargetStage), logging.ActorID(req.Actor.ID), logging.Kind(string(res.Kind)), logging.Count(len(res.Errors))).Msg("transition rejected")
	}
	return res, nil
}

func (e Engine) validate(ctx context.Context, r repo.Repo, req TransitionRequest, p domain.Project) (ValidationResult, error) {
	if p.Closed() {
		return failed(KindProjectClosed, Issue{Code: CodeProjectClosed, Message: fmt.Sprintf("project %s is closed (%s)", p.ID, *p.CompletionStatus)}), nil
	}
	stages, err := r.StagesFor(ctx, p.ProjectTypeID)
	if err != nil {
		return ValidationResult{}, err
	}
	current, err := currentStage(p, stages)
	if err != nil {
		return ValidationResult{}, err
	}
	var target *domain.Stage
	for i := range stages {
		if stages[i].Name == req.TargetStage {
			target = &stages[i]
			break
		}
	}
	if target == nil {
		return ValidationResult{}, &ConfigurationError{Subject: "stage", ID: req.TargetStage, Problem: fmt.Sprintf("is not a stage of project type %s", p.ProjectTypeID)}
	}

	legal := e.Policy.LegalTargets(p.ProjectTypeID, req.Actor, current, p.Closed(), stages)
	if !containsStage(legal, target.Name) {
		denied := &auth.UnauthorizedError{ActorID: req.Actor.ID, Role: req.Actor.Role, From: current.Name, To: target.Name}
		return failed(KindUnauthorized, Issue{Code: CodeUnauthorized, Message: denied.Error()}), nil
	}

	reasons, err := r.ReasonsFor(ctx, target.ID)
	if err != nil {
		return ValidationResult{}, err
	}
	reason, issue := pickReason(reasons, req.ReasonID, target.Name)
	if issue != nil {
		return failed(KindInvalidReason, *issue), nil
	}

	var fields []domain.ReasonCustomField
	if reason != nil {
		if fields, err = r.FieldsFor(ctx, reason.ID); err != nil {
			return ValidationResult{}, err
		}
	}
	responses, issues := checkFields(fields, req.FieldResponses)
	issues = append(issues, checkAttachments(req.Attachments)...)
	if len(issues) > 0 {
		return failed(KindValidationError, issues...), nil
	}

	gate, err := gateFor(ctx, r, *target)
	if err != nil {
		return ValidationResult{}, err
	}
	var (
		approvals []domain.ApprovalResponse
		pending   *PendingApproval
	)
	if gate != nil {
		gateResponses, gateIssues, missing := checkApprovals(gate, req.ApprovalResponses)
		approvals = gateResponses
		issues = append(issues, gateIssues...)
		if missing {
			pending = &PendingApproval{
				ApprovalID:  gate.Approval.ID,
				Name:        gate.Approval.Name,
				Description: gate.Approval.Description,
				Fields:      gate.Fields,
			}
		}
	} else {
		_, extra := indexInputs(req.ApprovalResponses, nil)
		issues = append(issues, extra...)
	}
	if len(issues) > 0 {
		res := failed(KindValidationError, issues...)
		res.PendingApproval = pending
		return res, nil
	}

	version := p.Version
	if req.ExpectedVersion != nil {
		version = *req.ExpectedVersion
	}
	if approvals == nil {
		approvals = []domain.ApprovalResponse{}
	}
	return ValidationResult{
		Valid: true,
		Transition: &ValidatedTransition{
			Request:           req,
			FromStage:         current.Name,
			ToStage:           *target,
			Version:           version,
			Reason:            reason,
			FieldResponses:    responses,
			ApprovalResponses: approvals,
		},
	}, nil
}

// pickReason resolves the submitted reason against the target's reasons. A
// target without reasons accepts an empty one.
func pickReason(reasons []domain.ChangeReason, reasonID, target string) (*domain.ChangeReason, *Issue) {
	reasonID = strings.TrimSpace(reasonID)
	if reasonID == "" {
		if len(reasons) == 0 {
			return nil, nil
		}
		return nil, &Issue{Code: CodeReasonRequired, Field: "reason", Message: fmt.Sprintf("a reason is required to enter %s", target)}
	}
	for i := range reasons {
		if reasons[i].ID == reasonID {
			return &reasons[i], nil
		}
	}
	return nil, &Issue{Code: CodeReasonInvalid, Field: "reason", FieldID: reasonID, Message: fmt.Sprintf("reason %s is not valid for entering %s", reasonID, target)}
}

func containsStage(stages []domain.Stage, name string) bool {
	for _, s := range stages {
		if s.Name == name {
			return true
		}
	}
	return false
}
