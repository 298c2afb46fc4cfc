package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TransitionCommitted = "transition.committed"
	ProjectCreated      = "project.created"
	ProjectCompleted    = "project.completed"
	PipelineImported    = "pipeline.imported"
)

// Writer appends outbox events inside the caller's transaction, so an event
// exists exactly when the change it describes was committed.
type Writer struct {
	Now func() time.Time
}

type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    any
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
