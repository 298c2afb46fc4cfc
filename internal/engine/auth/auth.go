package auth

import (
	"fmt"

	"stageline/internal/config"
	"stageline/internal/domain"
)

// Actor is the caller of an engine operation.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

type Tier string

const (
	Elevated Tier = config.TierElevated
	Ordinary Tier = config.TierOrdinary
)

// UnauthorizedError indicates the actor cannot perform a move.
type UnauthorizedError struct {
	ActorID string
	Role    string
	From    string
	To      string
}

func (e *UnauthorizedError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("actor %q (role %q) is not allowed to act on stage %s", e.ActorID, e.Role, e.From)
	}
	return fmt.Sprintf("actor %q (role %q) cannot move %s -> %s", e.ActorID, e.Role, e.From, e.To)
}

// Policy holds the role tiers and the ordinary-tier allow-lists per project
// type. It is immutable after construction.
type Policy struct {
	tiers  map[string]Tier
	tables map[string]map[string][]string
}

func NewPolicy(cfg *config.Config) Policy {
	p := Policy{tiers: map[string]Tier{}, tables: map[string]map[string][]string{}}
	if cfg == nil {
		return p
	}
	for role := range cfg.Roles {
		p.tiers[role] = Tier(cfg.Tier(role))
	}
	for _, pt := range cfg.ProjectTypes {
		table := map[string][]string{}
		for from, targets := range pt.Transitions[config.TierOrdinary] {
			table[from] = append([]string(nil), targets...)
		}
		p.tables[pt.ID] = table
	}
	return p
}

// TierOf resolves a role. Unknown and empty roles are ordinary.
func (p Policy) TierOf(role string) Tier {
	if t, ok := p.tiers[role]; ok {
		return t
	}
	return Ordinary
}

// LegalTargets returns the stages reachable in one hop from current, ordered
// by stage order. Final stages and closed projects have no outgoing edges.
func (p Policy) LegalTargets(projectTypeID string, actor Actor, current domain.Stage, closed bool, stages []domain.Stage) []domain.Stage {
	if closed || current.IsFinal || actor.ID == "" {
		return []domain.Stage{}
	}
	allowed := func(domain.Stage) bool { return true }
	if p.TierOf(actor.Role) != Elevated {
		set := map[string]bool{}
		for _, name := range p.tables[projectTypeID][current.Name] {
			set[name] = true
		}
		allowed = func(s domain.Stage) bool { return set[s.Name] }
	}
	out := []domain.Stage{}
	for _, s := range stages {
		if s.Name == current.Name {
			continue
		}
		if allowed(s) {
			out = append(out, s)
		}
	}
	return out
}

// AllowList returns the ordinary-tier targets configured for a stage.
func (p Policy) AllowList(projectTypeID, stage string) []string {
	return append([]string(nil), p.tables[projectTypeID][stage]...)
}
