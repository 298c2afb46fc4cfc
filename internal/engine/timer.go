package engine

import (
	"context"
	"time"

	"stageline/internal/calendar"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

// StageTimer reports how long a project has sat in its current stage.
type StageTimer struct {
	ProjectID    string    `json:"project_id"`
	Stage        string    `json:"stage"`
	EnteredAt    time.Time `json:"entered_at" format:"date-time"`
	ElapsedHours float64   `json:"elapsed_hours"`
	LimitHours   *float64  `json:"limit_hours,omitempty"`
	Overdue      bool      `json:"overdue"`
}

// Timer measures business hours in the current stage. Closed projects are
// measured up to their completion instant.
func (e Engine) Timer(ctx context.Context, projectID string) (StageTimer, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StageTimer{}, err
	}
	stages, err := e.Repo.StagesFor(ctx, p.ProjectTypeID)
	if err != nil {
		return StageTimer{}, err
	}
	current, err := currentStage(p, stages)
	if err != nil {
		return StageTimer{}, err
	}
	return e.timerFor(p, current), nil
}

func (e Engine) timerFor(p domain.Project, current domain.Stage) StageTimer {
	clock := e.clock()
	if p.CompletedAt != nil {
		end := *p.CompletedAt
		clock.Now = func() time.Time { return end }
	}
	elapsed := clock.ElapsedBusinessHours(p.Chronology, current.Name, p.CreatedAt)
	return StageTimer{
		ProjectID:    p.ID,
		Stage:        current.Name,
		EnteredAt:    calendar.StageStart(p.Chronology, current.Name, p.CreatedAt),
		ElapsedHours: elapsed,
		LimitHours:   current.MaxInstanceTimeHours,
		Overdue:      calendar.IsOverdue(current, elapsed),
	}
}

// Overdue lists open projects that reached their current stage's limit.
func (e Engine) Overdue(ctx context.Context, projectTypeID string) ([]StageTimer, error) {
	projects, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{ProjectTypeID: projectTypeID, OpenOnly: true})
	if err != nil {
		return nil, err
	}
	stagesByType := map[string][]domain.Stage{}
	res := []StageTimer{}
	for _, p := range projects {
		stages, ok := stagesByType[p.ProjectTypeID]
		if !ok {
			if stages, err = e.Repo.StagesFor(ctx, p.ProjectTypeID); err != nil {
				return nil, err
			}
			stagesByType[p.ProjectTypeID] = stages
		}
		current, err := currentStage(p, stages)
		if err != nil {
			return nil, err
		}
		if timer := e.timerFor(p, current); timer.Overdue {
			res = append(res, timer)
		}
	}
	return res, nil
}

// History returns the committed transitions of a project, oldest first.
func (e Engine) History(ctx context.Context, projectID string, limit int) ([]domain.TransitionRecord, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	recs, err := e.Repo.TransitionRecords(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []domain.TransitionRecord{}
	}
	return recs, nil
}

// ListLegalTransitions returns the stages actor may move the project to, in
// stage order.
func (e Engine) ListLegalTransitions(ctx context.Context, projectID string, actor auth.Actor) ([]domain.Stage, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stages, err := e.Repo.StagesFor(ctx, p.ProjectTypeID)
	if err != nil {
		return nil, err
	}
	if p.Closed() {
		return []domain.Stage{}, nil
	}
	current, err := currentStage(p, stages)
	if err != nil {
		return nil, err
	}
	return e.Policy.LegalTargets(p.ProjectTypeID, actor, current, false, stages), nil
}
