package engine

import (
	"strings"

	"stageline/internal/config"
	"stageline/internal/domain"
)

// RenderNotification fills the subject and body templates for a committed
// transition. Recipients are the assignee the target stage's role maps to,
// when the role names a project assignment, and the current assignee.
func RenderNotification(tmpl config.Notifications, p domain.Project, target domain.Stage, rec domain.TransitionRecord) domain.Notification {
	subject, body := tmpl.Subject, tmpl.Body
	if subject == "" {
		subject = config.DefaultSubject
	}
	if body == "" {
		body = config.DefaultBody
	}
	name := p.Name
	if name == "" {
		name = p.ID
	}
	replacer := strings.NewReplacer(
		"{project_id}", p.ID,
		"{project_name}", name,
		"{from_stage}", rec.FromStage,
		"{to_stage}", rec.ToStage,
		"{actor_id}", rec.ActorID,
		"{reason}", rec.Reason,
		"{notes}", rec.Notes,
	)
	n := domain.Notification{
		ProjectID: p.ID,
		Subject:   strings.TrimSpace(replacer.Replace(subject)),
		Body:      strings.TrimSpace(replacer.Replace(body)),
		FromStage: rec.FromStage,
		ToStage:   rec.ToStage,
		ActorID:   rec.ActorID,
	}
	seen := map[string]bool{}
	add := func(id *string) {
		if id == nil || *id == "" || seen[*id] {
			return
		}
		seen[*id] = true
		n.RecipientIDs = append(n.RecipientIDs, *id)
	}
	if target.AssignedRoleID != nil {
		n.RoleID = *target.AssignedRoleID
		add(p.Assignment(n.RoleID))
	}
	add(p.CurrentAssigneeID)
	return n
}
