package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/logging"
	"stageline/internal/repo"
)

// CommitResult is the outcome of a committed transition.
type CommitResult struct {
	Project      domain.Project          `json:"project"`
	Record       domain.TransitionRecord `json:"transition_record"`
	Notification domain.Notification     `json:"notification_preview"`
}

// CommitTransition applies a validated transition. Inside one per-project
// critical section and one SQL transaction it reloads the project, rejects
// drift with *ConcurrentModificationError, re-validates (*ValidationFailure),
// then appends chronology, moves the status, records the audit entry and
// queues the notification event.
func (e Engine) CommitTransition(ctx context.Context, v *ValidatedTransition) (CommitResult, error) {
	if v == nil {
		return CommitResult{}, errors.New("validated transition required")
	}
	projectID := v.Request.ProjectID
	unlock := e.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return CommitResult{}, err
	}
	if p.CurrentStatus != v.FromStage || p.Version != v.Version {
		conflict := &ConcurrentModificationError{
			ProjectID:       p.ID,
			ExpectedStage:   v.FromStage,
			ActualStage:     p.CurrentStatus,
			ExpectedVersion: v.Version,
			ActualVersion:   p.Version,
		}
		logging.Warn().Add(logging.ProjectID(p.ID), logging.FromStage(v.FromStage), logging.ToStage(v.ToStage.Name), logging.Version(p.Version)).Msg("transition lost a concurrent race")
		return CommitResult{}, conflict
	}
	req := v.Request
	req.ExpectedVersion = nil
	res, err := e.validate(ctx, r, req, p)
	if err != nil {
		return CommitResult{}, err
	}
	if !res.Valid {
		return CommitResult{}, &ValidationFailure{Result: res}
	}
	checked := res.Transition

	now := e.now()
	if last, ok := p.Chronology.Last(); ok && now.Before(last.EnteredAt) {
		now = last.EnteredAt
	}
	entry := domain.ChronologyEntry{Stage: checked.ToStage.Name, EnteredAt: now}
	if err := r.AppendChronology(ctx, p.ID, entry); err != nil {
		return CommitResult{}, err
	}
	version, err := r.UpdateStatus(ctx, p.ID, checked.ToStage.Name, p.Version)
	if errors.Is(err, repo.ErrVersionConflict) {
		return CommitResult{}, &ConcurrentModificationError{ProjectID: p.ID, ExpectedStage: v.FromStage, ActualStage: p.CurrentStatus, ExpectedVersion: v.Version, ActualVersion: p.Version}
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("update project status: %w", err)
	}

	rec := domain.TransitionRecord{
		ID:                uuid.NewString(),
		ProjectID:         p.ID,
		FromStage:         checked.FromStage,
		ToStage:           checked.ToStage.Name,
		Notes:             strings.TrimSpace(req.Notes),
		FieldResponses:    checked.FieldResponses,
		ApprovalResponses: checked.ApprovalResponses,
		Attachments:       req.Attachments,
		ActorID:           req.Actor.ID,
		ActorRole:         req.Actor.Role,
		OccurredAt:        now,
	}
	if rec.Attachments == nil {
		rec.Attachments = []domain.Attachment{}
	}
	if checked.Reason != nil {
		rec.ReasonID = checked.Reason.ID
		rec.Reason = checked.Reason.Reason
	}
	if err := r.InsertTransitionRecord(ctx, rec); err != nil {
		return CommitResult{}, err
	}

	p.CurrentStatus = rec.ToStage
	p.Chronology = append(p.Chronology, entry)
	p.Version = version
	note := RenderNotification(e.Config.Notifications, p, checked.ToStage, rec)
	if _, err := e.outbox().Append(ctx, tx, events.Event{
		Type:       events.TransitionCommitted,
		ProjectID:  p.ID,
		EntityKind: "transition",
		EntityID:   rec.ID,
		ActorID:    rec.ActorID,
		Payload: map[string]any{
			"from_stage":   rec.FromStage,
			"to_stage":     rec.ToStage,
			"version":      p.Version,
			"notification": note,
		},
	}); err != nil {
		return CommitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, err
	}
	logging.Info().Add(logging.ProjectID(p.ID), logging.FromStage(rec.FromStage), logging.ToStage(rec.ToStage), logging.ActorID(rec.ActorID), logging.Version(p.Version)).Msg("transition committed")
	return CommitResult{Project: p, Record: rec, Notification: note}, nil
}

// Transition validates and commits in one call. Rejections come back as
// *ValidationFailure.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (CommitResult, error) {
	res, err := e.ValidateTransition(ctx, req)
	if err != nil {
		return CommitResult{}, err
	}
	if !res.Valid {
		return CommitResult{}, &ValidationFailure{Result: res}
	}
	return e.CommitTransition(ctx, res.Transition)
}

// CompleteProject closes a project sitting in a final stage. Elevated actors
// and holders of the final stage's assigned role may complete it.
func (e Engine) CompleteProject(ctx context.Context, projectID string, actor auth.Actor, status string) (domain.Project, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		status = "completed"
	}
	unlock := e.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Closed() {
		return domain.Project{}, &ProjectClosedError{ProjectID: p.ID}
	}
	stages, err := r.StagesFor(ctx, p.ProjectTypeID)
	if err != nil {
		return domain.Project{}, err
	}
	current, err := currentStage(p, stages)
	if err != nil {
		return domain.Project{}, err
	}
	if !current.IsFinal {
		return domain.Project{}, ErrStageNotFinal
	}
	assigned := current.AssignedRoleID != nil && *current.AssignedRoleID == actor.Role
	if actor.ID == "" || (e.Policy.TierOf(actor.Role) != auth.Elevated && !assigned) {
		return domain.Project{}, &auth.UnauthorizedError{ActorID: actor.ID, Role: actor.Role, From: current.Name}
	}
	now := e.now()
	version, err := r.Complete(ctx, p.ID, status, now, p.Version)
	if errors.Is(err, repo.ErrVersionConflict) {
		return domain.Project{}, &ConcurrentModificationError{ProjectID: p.ID, ExpectedStage: p.CurrentStatus, ActualStage: p.CurrentStatus, ExpectedVersion: p.Version}
	}
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := e.outbox().Append(ctx, tx, events.Event{
		Type:       events.ProjectCompleted,
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    actor.ID,
		Payload:    map[string]any{"completion_status": status, "stage": p.CurrentStatus},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.CompletionStatus = &status
	p.CompletedAt = &now
	p.Version = version
	return p, nil
}
