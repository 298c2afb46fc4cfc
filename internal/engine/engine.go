package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/calendar"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/logging"
	"stageline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Policy auth.Policy
	// BusinessHours decides which instants count towards stage time.
	BusinessHours calendar.BusinessHourFunc
	Step          time.Duration
	Now           func() time.Time

	locks *projectLocks
}

// New builds an engine over an open, migrated database.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	cal, err := calendar.New(cfg.CalendarSpec())
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Config:        cfg,
		Policy:        auth.NewPolicy(cfg),
		BusinessHours: cal.IsBusinessHour,
		Step:          time.Duration(cfg.Calendar.StepMinutes) * time.Minute,
		Now:           time.Now,
		locks:         newProjectLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) outbox() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) clock() calendar.Clock {
	return calendar.Clock{IsBusinessHour: e.BusinessHours, Step: e.Step, Now: e.now}
}

type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: map[string]*projectLock{}}
}

var sharedLocks = newProjectLocks()

// lock serializes work on one project and returns the unlock func. Entries
// are dropped once no goroutine holds or waits on them.
func (e Engine) lock(projectID string) func() {
	l := e.locks
	if l == nil {
		l = sharedLocks
	}
	l.mu.Lock()
	pl, ok := l.locks[projectID]
	if !ok {
		pl = &projectLock{}
		l.locks[projectID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, projectID)
		}
		l.mu.Unlock()
	}
}

// ImportPipeline validates cfg and replaces the stored pipeline and catalog.
// The receiver keeps its configuration; callers build a new Engine to use it.
func (e Engine) ImportPipeline(ctx context.Context, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config nil")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)
	if err := r.SavePipelineConfig(ctx, cfg, e.now()); err != nil {
		return fmt.Errorf("save pipeline config: %w", err)
	}
	if err := r.ReplaceCatalog(ctx, cfg); err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}
	types := make([]string, 0, len(cfg.ProjectTypes))
	for _, pt := range cfg.ProjectTypes {
		types = append(types, pt.ID)
	}
	if _, err := e.outbox().Append(ctx, tx, events.Event{
		Type:       events.PipelineImported,
		EntityKind: "pipeline",
		EntityID:   cfg.Pipeline.ID,
		ActorID:    actorOrSystem(actorID),
		Payload:    map[string]any{"project_types": types},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Info().Add(logging.Str("pipeline", cfg.Pipeline.ID), logging.Count(len(types))).Msg("pipeline imported")
	return nil
}

func actorOrSystem(id string) string {
	if strings.TrimSpace(id) == "" {
		return "system"
	}
	return id
}

// CreateProjectOptions are parameters for creating a project.
type CreateProjectOptions struct {
	ID                string
	ProjectTypeID     string
	Name              string
	CurrentAssigneeID string
	ClientManagerID   string
	BookkeeperID      string
	ActorID           string
}

// CreateProject places a new project in the first stage of its type. Every
// assignment the type requires must be supplied; a type that requires none
// is complete as is.
func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if opts.ProjectTypeID == "" {
		return domain.Project{}, errors.New("project type is required")
	}
	pt, err := e.Repo.GetProjectType(ctx, opts.ProjectTypeID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("project type %s: %w", opts.ProjectTypeID, err)
	}
	stages, err := e.Repo.StagesFor(ctx, pt.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if len(stages) == 0 {
		return domain.Project{}, &ConfigurationError{Subject: "project type", ID: pt.ID, Problem: "has no stages"}
	}
	p := domain.Project{
		ID:                opts.ID,
		ProjectTypeID:     pt.ID,
		Name:              strings.TrimSpace(opts.Name),
		CurrentStatus:     stages[0].Name,
		CreatedAt:         e.now(),
		CurrentAssigneeID: optional(opts.CurrentAssigneeID),
		ClientManagerID:   optional(opts.ClientManagerID),
		BookkeeperID:      optional(opts.BookkeeperID),
		Version:           1,
	}
	var missing []string
	for _, role := range pt.RequiredAssignments {
		if p.Assignment(role) == nil {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return domain.Project{}, &MissingAssignmentsError{Roles: missing}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Chronology = domain.Chronology{{Stage: p.CurrentStatus, EnteredAt: p.CreatedAt}}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.WithTx(tx).InsertProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.outbox().Append(ctx, tx, events.Event{
		Type:       events.ProjectCreated,
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    actorOrSystem(opts.ActorID),
		Payload:    map[string]any{"project_type_id": p.ProjectTypeID, "stage": p.CurrentStatus},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

// currentStage resolves the project's current stage within stages.
func currentStage(p domain.Project, stages []domain.Stage) (domain.Stage, error) {
	for _, s := range stages {
		if s.Name == p.CurrentStatus {
			return s, nil
		}
	}
	return domain.Stage{}, &ConfigurationError{Subject: "stage", ID: p.CurrentStatus, Problem: fmt.Sprintf("is not a stage of project type %s", p.ProjectTypeID)}
}
