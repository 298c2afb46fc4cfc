package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/domain"
)

const projectColumns = `id,project_type_id,COALESCE(name,''),current_status,created_at,completion_status,completed_at,current_assignee_id,client_manager_id,bookkeeper_id,version`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                             domain.Project
		createdAt                     string
		completion, completedAt       sql.NullString
		assignee, manager, bookkeeper sql.NullString
	)
	if err := row.Scan(&p.ID, &p.ProjectTypeID, &p.Name, &p.CurrentStatus, &createdAt, &completion, &completedAt, &assignee, &manager, &bookkeeper, &p.Version); err != nil {
		return p, noRows(err)
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return p, err
	}
	p.CreatedAt = ts
	p.CompletionStatus = stringPtr(completion)
	if completedAt.Valid {
		at, err := parseTime(completedAt.String)
		if err != nil {
			return p, err
		}
		p.CompletedAt = &at
	}
	p.CurrentAssigneeID = stringPtr(assignee)
	p.ClientManagerID = stringPtr(manager)
	p.BookkeeperID = stringPtr(bookkeeper)
	return p, nil
}

// InsertProject stores a new project and its initial chronology.
func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := r.q().ExecContext(ctx, `INSERT INTO projects(id,project_type_id,name,current_status,created_at,current_assignee_id,client_manager_id,bookkeeper_id,version) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectTypeID, nullable(p.Name), p.CurrentStatus, formatTime(p.CreatedAt), nullableStringPtr(p.CurrentAssigneeID), nullableStringPtr(p.ClientManagerID), nullableStringPtr(p.BookkeeperID), p.Version)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	for _, entry := range p.Chronology {
		if err := r.AppendChronology(ctx, p.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

// GetProject loads a project with its chronology.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.q().QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	p.Chronology, err = r.Chronology(ctx, id)
	return p, err
}

type ProjectFilters struct {
	ProjectTypeID string
	Status        string
	OpenOnly      bool
	Limit         int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE 1=1`
	var args []any
	if f.ProjectTypeID != "" {
		query += ` AND project_type_id=?`
		args = append(args, f.ProjectTypeID)
	}
	if f.Status != "" {
		query += ` AND current_status=?`
		args = append(args, f.Status)
	}
	if f.OpenOnly {
		query += ` AND completion_status IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Chronology returns a project's stage entries, oldest first.
func (r Repo) Chronology(ctx context.Context, projectID string) (domain.Chronology, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT stage,entered_at FROM project_chronology WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chron := domain.Chronology{}
	for rows.Next() {
		var stage, enteredAt string
		if err := rows.Scan(&stage, &enteredAt); err != nil {
			return nil, err
		}
		ts, err := parseTime(enteredAt)
		if err != nil {
			return nil, err
		}
		chron = append(chron, domain.ChronologyEntry{Stage: stage, EnteredAt: ts})
	}
	return chron, rows.Err()
}

func (r Repo) AppendChronology(ctx context.Context, projectID string, entry domain.ChronologyEntry) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO project_chronology(project_id,stage,entered_at) VALUES (?,?,?)`,
		projectID, entry.Stage, formatTime(entry.EnteredAt))
	if err != nil {
		return fmt.Errorf("append chronology: %w", err)
	}
	return nil
}

// UpdateStatus moves a project to stage when it is still at version. It
// returns the new version or ErrVersionConflict.
func (r Repo) UpdateStatus(ctx context.Context, projectID, stage string, version int64) (int64, error) {
	res, err := r.q().ExecContext(ctx, `UPDATE projects SET current_status=?, version=version+1 WHERE id=? AND version=? AND completion_status IS NULL`,
		stage, projectID, version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrVersionConflict
	}
	return version + 1, nil
}

// Complete sets the completion status of a project at version.
func (r Repo) Complete(ctx context.Context, projectID, status string, at time.Time, version int64) (int64, error) {
	res, err := r.q().ExecContext(ctx, `UPDATE projects SET completion_status=?, completed_at=?, version=version+1 WHERE id=? AND version=? AND completion_status IS NULL`,
		status, formatTime(at), projectID, version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrVersionConflict
	}
	return version + 1, nil
}

func (r Repo) InsertTransitionRecord(ctx context.Context, rec domain.TransitionRecord) error {
	fields, err := json.Marshal(nonNilResponses(rec.FieldResponses))
	if err != nil {
		return fmt.Errorf("marshal field responses: %w", err)
	}
	approvals, err := json.Marshal(nonNilApprovals(rec.ApprovalResponses))
	if err != nil {
		return fmt.Errorf("marshal approval responses: %w", err)
	}
	attachments := rec.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	files, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO transition_records(id,project_id,from_stage,to_stage,reason_id,reason,notes,field_responses_json,approval_responses_json,attachments_json,actor_id,actor_role,occurred_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, rec.FromStage, rec.ToStage, nullable(rec.ReasonID), nullable(rec.Reason), nullable(rec.Notes),
		string(fields), string(approvals), string(files), rec.ActorID, nullable(rec.ActorRole), formatTime(rec.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return nil
}

func nonNilResponses(v []domain.FieldResponse) []domain.FieldResponse {
	if v == nil {
		return []domain.FieldResponse{}
	}
	return v
}

func nonNilApprovals(v []domain.ApprovalResponse) []domain.ApprovalResponse {
	if v == nil {
		return []domain.ApprovalResponse{}
	}
	return v
}

// TransitionRecords returns the audit trail of a project, oldest first.
func (r Repo) TransitionRecords(ctx context.Context, projectID string, limit int) ([]domain.TransitionRecord, error) {
	query := `SELECT id,project_id,from_stage,to_stage,COALESCE(reason_id,''),COALESCE(reason,''),COALESCE(notes,''),field_responses_json,approval_responses_json,attachments_json,actor_id,COALESCE(actor_role,''),occurred_at
FROM transition_records WHERE project_id=? ORDER BY occurred_at, rowid`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var (
			rec                      domain.TransitionRecord
			fields, approvals, files string
			occurredAt               string
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.FromStage, &rec.ToStage, &rec.ReasonID, &rec.Reason, &rec.Notes,
			&fields, &approvals, &files, &rec.ActorID, &rec.ActorRole, &occurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &rec.FieldResponses); err != nil {
			return nil, fmt.Errorf("record %s field responses: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(approvals), &rec.ApprovalResponses); err != nil {
			return nil, fmt.Errorf("record %s approval responses: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(files), &rec.Attachments); err != nil {
			return nil, fmt.Errorf("record %s attachments: %w", rec.ID, err)
		}
		if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
