package engine

import (
	"context"
	"errors"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// ListStages returns the stage graph of a project type by order.
func (e Engine) ListStages(ctx context.Context, projectTypeID string) ([]domain.Stage, error) {
	if _, err := e.Repo.GetProjectType(ctx, projectTypeID); err != nil {
		return nil, err
	}
	return e.Repo.StagesFor(ctx, projectTypeID)
}

// ListReasons returns the reasons that justify entering a stage.
func (e Engine) ListReasons(ctx context.Context, stageID string) ([]domain.ChangeReason, error) {
	if _, err := e.Repo.GetStage(ctx, stageID); err != nil {
		return nil, err
	}
	return nonNilReasons(e.Repo.ReasonsFor(ctx, stageID))
}

// ListCustomFields returns the typed fields collected with a reason.
func (e Engine) ListCustomFields(ctx context.Context, reasonID string) ([]domain.ReasonCustomField, error) {
	if _, err := e.Repo.GetReason(ctx, reasonID); err != nil {
		return nil, err
	}
	fields, err := e.Repo.FieldsFor(ctx, reasonID)
	if fields == nil {
		fields = []domain.ReasonCustomField{}
	}
	return fields, err
}

// ListApprovalFields returns the fields of an approval gate.
func (e Engine) ListApprovalFields(ctx context.Context, approvalID string) ([]domain.StageApprovalField, error) {
	if _, err := e.Repo.GetApproval(ctx, approvalID); err != nil {
		return nil, err
	}
	fields, err := e.Repo.ApprovalFieldsFor(ctx, approvalID)
	if fields == nil {
		fields = []domain.StageApprovalField{}
	}
	return fields, err
}

// Gate is an approval gate with its fields.
type Gate struct {
	Approval domain.StageApproval
	Fields   []domain.StageApprovalField
}

// gateFor resolves the approval gate of a stage. Stages without a gate return
// nil. A dangling gate reference or a gate without fields is a configuration
// error.
func gateFor(ctx context.Context, r repo.Repo, stage domain.Stage) (*Gate, error) {
	if stage.StageApprovalID == nil {
		return nil, nil
	}
	id := *stage.StageApprovalID
	approval, err := r.GetApproval(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, &ConfigurationError{Subject: "approval", ID: id, Problem: "referenced by stage " + stage.Name + " does not exist"}
	}
	if err != nil {
		return nil, err
	}
	fields, err := r.ApprovalFieldsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &ConfigurationError{Subject: "approval", ID: id, Problem: "has no fields"}
	}
	return &Gate{Approval: approval, Fields: fields}, nil
}

func nonNilReasons(reasons []domain.ChangeReason, err error) ([]domain.ChangeReason, error) {
	if reasons == nil {
		reasons = []domain.ChangeReason{}
	}
	return reasons, err
}
