package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

const pipelineConfigID = "active"

// SavePipelineConfig stores the active pipeline document.
func (r Repo) SavePipelineConfig(ctx context.Context, cfg *config.Config, now time.Time) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.Marshal()
	if err != nil {
		return err
	}
	ts := formatTime(now)
	_, err = r.q().ExecContext(ctx, `INSERT INTO pipeline_configs(id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, pipelineConfigID, string(payload), ts, ts)
	return err
}

// GetPipelineConfig loads the active pipeline document.
func (r Repo) GetPipelineConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.q().QueryRowContext(ctx, `SELECT config_yaml FROM pipeline_configs WHERE id=?`, pipelineConfigID).Scan(&payload)
	if err != nil {
		return nil, noRows(err)
	}
	return config.FromYAML([]byte(payload))
}

// ReplaceCatalog rewrites the stage graph, reasons, fields and approval gates
// of every project type in cfg. Stage order is the list position.
func (r Repo) ReplaceCatalog(ctx context.Context, cfg *config.Config) error {
	q := r.q()
	for _, pt := range cfg.ProjectTypes {
		assignments, err := json.Marshal(nonNil(pt.RequiredAssignments))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO project_types(id,name,required_assignments_json) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, required_assignments_json=excluded.required_assignments_json`,
			pt.ID, pt.Name, string(assignments)); err != nil {
			return fmt.Errorf("upsert project type %s: %w", pt.ID, err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM stages WHERE project_type_id=?`, pt.ID); err != nil {
			return fmt.Errorf("clear stages: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM stage_approvals WHERE project_type_id=?`, pt.ID); err != nil {
			return fmt.Errorf("clear approvals: %w", err)
		}
		for _, ap := range pt.Approvals {
			if err := r.InsertApproval(ctx, domain.StageApproval{ID: ap.ID, ProjectTypeID: pt.ID, Name: ap.Name, Description: ap.Description}); err != nil {
				return err
			}
			for i, f := range ap.Fields {
				field := domain.StageApprovalField{
					ID:                   f.ID,
					StageApprovalID:      ap.ID,
					FieldName:            f.Name,
					FieldType:            domain.FieldType(f.Type),
					ExpectedValueBoolean: f.ExpectedBoolean,
					ExpectedValueNumber:  f.ExpectedNumber,
					ComparisonType:       domain.ComparisonType(f.Comparison),
					Order:                i,
					Description:          f.Description,
				}
				if err := r.InsertApprovalField(ctx, field); err != nil {
					return err
				}
			}
		}
		for order, st := range pt.Stages {
			stage := domain.Stage{
				ID:            st.ID,
				ProjectTypeID: pt.ID,
				Name:          st.Name,
				Order:         order,
				Color:         st.Color,
				IsFinal:       st.Final,
			}
			if st.AssignedRole != "" {
				role := st.AssignedRole
				stage.AssignedRoleID = &role
			}
			if st.MaxInstanceTimeHours > 0 {
				limit := st.MaxInstanceTimeHours
				stage.MaxInstanceTimeHours = &limit
			}
			if st.Approval != "" {
				gate := st.Approval
				stage.StageApprovalID = &gate
			}
			if err := r.InsertStage(ctx, stage); err != nil {
				return err
			}
			for ri, reason := range st.Reasons {
				if _, err := q.ExecContext(ctx, `INSERT INTO change_reasons(id,stage_id,reason,position) VALUES (?,?,?,?)`,
					reason.ID, st.ID, reason.Reason, ri); err != nil {
					return fmt.Errorf("insert reason %s: %w", reason.ID, err)
				}
				for fi, f := range reason.Fields {
					field := domain.ReasonCustomField{
						ID:          f.ID,
						ReasonID:    reason.ID,
						FieldName:   f.Name,
						FieldType:   domain.FieldType(f.Type),
						IsRequired:  f.Required,
						Options:     f.Options,
						Order:       fi,
						Placeholder: f.Placeholder,
					}
					if err := r.InsertReasonField(ctx, field); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (r Repo) InsertStage(ctx context.Context, s domain.Stage) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO stages(id,project_type_id,name,position,color,assigned_role_id,max_instance_time_hours,is_final,stage_approval_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectTypeID, s.Name, s.Order, nullable(s.Color), nullableStringPtr(s.AssignedRoleID), nullableFloatPtr(s.MaxInstanceTimeHours), boolInt(s.IsFinal), nullableStringPtr(s.StageApprovalID))
	if err != nil {
		return fmt.Errorf("insert stage %s: %w", s.ID, err)
	}
	return nil
}

func (r Repo) InsertApproval(ctx context.Context, a domain.StageApproval) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO stage_approvals(id,project_type_id,name,description) VALUES (?,?,?,?)`,
		a.ID, a.ProjectTypeID, a.Name, nullable(a.Description))
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", a.ID, err)
	}
	return nil
}

func (r Repo) InsertApprovalField(ctx context.Context, f domain.StageApprovalField) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO stage_approval_fields(id,stage_approval_id,field_name,field_type,expected_value_boolean,expected_value_number,comparison_type,position,description) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.StageApprovalID, f.FieldName, string(f.FieldType), nullableBoolPtr(f.ExpectedValueBoolean), nullableFloatPtr(f.ExpectedValueNumber), nullable(string(f.ComparisonType)), f.Order, nullable(f.Description))
	if err != nil {
		return fmt.Errorf("insert approval field %s: %w", f.ID, err)
	}
	return nil
}

func (r Repo) InsertReasonField(ctx context.Context, f domain.ReasonCustomField) error {
	var options any
	if len(f.Options) > 0 {
		data, err := json.Marshal(f.Options)
		if err != nil {
			return err
		}
		options = string(data)
	}
	_, err := r.q().ExecContext(ctx, `INSERT INTO reason_custom_fields(id,reason_id,field_name,field_type,is_required,options_json,position,placeholder) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.ReasonID, f.FieldName, string(f.FieldType), boolInt(f.IsRequired), options, f.Order, nullable(f.Placeholder))
	if err != nil {
		return fmt.Errorf("insert field %s: %w", f.ID, err)
	}
	return nil
}

func (r Repo) GetProjectType(ctx context.Context, id string) (domain.ProjectType, error) {
	var pt domain.ProjectType
	var assignments string
	err := r.q().QueryRowContext(ctx, `SELECT id,name,required_assignments_json FROM project_types WHERE id=?`, id).Scan(&pt.ID, &pt.Name, &assignments)
	if err != nil {
		return pt, noRows(err)
	}
	if err := json.Unmarshal([]byte(assignments), &pt.RequiredAssignments); err != nil {
		return pt, fmt.Errorf("project type %s assignments: %w", id, err)
	}
	return pt, nil
}

const stageColumns = `id,project_type_id,name,position,COALESCE(color,''),assigned_role_id,max_instance_time_hours,is_final,stage_approval_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (domain.Stage, error) {
	var (
		s        domain.Stage
		role     sql.NullString
		limit    sql.NullFloat64
		final    int
		approval sql.NullString
	)
	if err := row.Scan(&s.ID, &s.ProjectTypeID, &s.Name, &s.Order, &s.Color, &role, &limit, &final, &approval); err != nil {
		return s, noRows(err)
	}
	s.AssignedRoleID = stringPtr(role)
	s.MaxInstanceTimeHours = floatPtr(limit)
	s.IsFinal = final != 0
	s.StageApprovalID = stringPtr(approval)
	return s, nil
}

// StagesFor lists the stages of a project type by order.
func (r Repo) StagesFor(ctx context.Context, projectTypeID string) ([]domain.Stage, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE project_type_id=? ORDER BY position`, projectTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StageByName resolves a stage of a project type by its name.
func (r Repo) StageByName(ctx context.Context, projectTypeID, name string) (domain.Stage, error) {
	return scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE project_type_id=? AND name=?`, projectTypeID, name))
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

// ReasonsFor lists the reasons valid for entering a stage, in order.
func (r Repo) ReasonsFor(ctx context.Context, stageID string) ([]domain.ChangeReason, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,stage_id,reason,position FROM change_reasons WHERE stage_id=? ORDER BY position`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeReason
	for rows.Next() {
		var cr domain.ChangeReason
		if err := rows.Scan(&cr.ID, &cr.StageID, &cr.Reason, &cr.Order); err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}

func (r Repo) GetReason(ctx context.Context, id string) (domain.ChangeReason, error) {
	var cr domain.ChangeReason
	err := r.q().QueryRowContext(ctx, `SELECT id,stage_id,reason,position FROM change_reasons WHERE id=?`, id).Scan(&cr.ID, &cr.StageID, &cr.Reason, &cr.Order)
	return cr, noRows(err)
}

// FieldsFor lists the custom fields of a reason, in order.
func (r Repo) FieldsFor(ctx context.Context, reasonID string) ([]domain.ReasonCustomField, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,reason_id,field_name,field_type,is_required,options_json,position,COALESCE(placeholder,'') FROM reason_custom_fields WHERE reason_id=? ORDER BY position`, reasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReasonCustomField
	for rows.Next() {
		var (
			f        domain.ReasonCustomField
			ft       string
			required int
			options  sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.ReasonID, &f.FieldName, &ft, &required, &options, &f.Order, &f.Placeholder); err != nil {
			return nil, err
		}
		f.FieldType = domain.FieldType(ft)
		f.IsRequired = required != 0
		if options.Valid && options.String != "" {
			if err := json.Unmarshal([]byte(options.String), &f.Options); err != nil {
				return nil, fmt.Errorf("field %s options: %w", f.ID, err)
			}
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.StageApproval, error) {
	var a domain.StageApproval
	err := r.q().QueryRowContext(ctx, `SELECT id,project_type_id,name,COALESCE(description,'') FROM stage_approvals WHERE id=?`, id).Scan(&a.ID, &a.ProjectTypeID, &a.Name, &a.Description)
	return a, noRows(err)
}

// ApprovalFieldsFor lists the fields of an approval gate, in order.
func (r Repo) ApprovalFieldsFor(ctx context.Context, approvalID string) ([]domain.StageApprovalField, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,stage_approval_id,field_name,field_type,expected_value_boolean,expected_value_number,COALESCE(comparison_type,''),position,COALESCE(description,'') FROM stage_approval_fields WHERE stage_approval_id=? ORDER BY position`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageApprovalField
	for rows.Next() {
		var (
			f         domain.StageApprovalField
			ft, cmp   string
			expBool   sql.NullInt64
			expNumber sql.NullFloat64
		)
		if err := rows.Scan(&f.ID, &f.StageApprovalID, &f.FieldName, &ft, &expBool, &expNumber, &cmp, &f.Order, &f.Description); err != nil {
			return nil, err
		}
		f.FieldType = domain.FieldType(ft)
		f.ComparisonType = domain.ComparisonType(cmp)
		f.ExpectedValueBoolean = boolPtr(expBool)
		f.ExpectedValueNumber = floatPtr(expNumber)
		res = append(res, f)
	}
	return res, rows.Err()
}
