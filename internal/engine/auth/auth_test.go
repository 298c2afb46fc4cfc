package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/domain"
)

func stageGraph() []domain.Stage {
	return []domain.Stage{
		{ID: "engagement.intake", Name: "intake", Order: 0},
		{ID: "engagement.in_progress", Name: "in_progress", Order: 1},
		{ID: "engagement.needs_input", Name: "needs_input", Order: 2},
		{ID: "engagement.done", Name: "done", Order: 3, IsFinal: true},
	}
}

func names(stages []domain.Stage) []string {
	out := []string{}
	for _, s := range stages {
		out = append(out, s.Name)
	}
	return out
}

func TestOrdinaryActorsFollowAllowList(t *testing.T) {
	cfg := config.Default("acme")
	policy := NewPolicy(cfg)
	stages := stageGraph()
	staff := Actor{ID: "u1", Role: "staff"}

	for _, current := range stages {
		got := names(policy.LegalTargets("engagement", staff, current, false, stages))
		want := policy.AllowList("engagement", current.Name)
		if want == nil {
			want = []string{}
		}
		require.ElementsMatch(t, want, got, current.Name)
	}
	require.Equal(t, []string{"in_progress", "needs_input"}, names(policy.LegalTargets("engagement", staff, stages[0], false, stages)))
}

func TestUnknownRoleIsOrdinary(t *testing.T) {
	policy := NewPolicy(config.Default("acme"))
	require.Equal(t, Ordinary, policy.TierOf("intern"))
	require.Equal(t, Ordinary, policy.TierOf(""))
	require.Equal(t, Elevated, policy.TierOf("manager"))
	got := names(policy.LegalTargets("engagement", Actor{ID: "u1", Role: "intern"}, stageGraph()[2], false, stageGraph()))
	require.Equal(t, []string{"in_progress"}, got)
}

func TestElevatedActorsReachEveryOtherStage(t *testing.T) {
	policy := NewPolicy(config.Default("acme"))
	stages := stageGraph()
	got := names(policy.LegalTargets("engagement", Actor{ID: "boss", Role: "admin"}, stages[2], false, stages))
	require.Equal(t, []string{"intake", "in_progress", "done"}, got)
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	policy := NewPolicy(config.Default("acme"))
	stages := stageGraph()
	for _, actor := range []Actor{{ID: "boss", Role: "admin"}, {ID: "u1", Role: "staff"}} {
		require.Empty(t, policy.LegalTargets("engagement", actor, stages[3], false, stages))
		require.Empty(t, policy.LegalTargets("engagement", actor, stages[1], true, stages))
	}
}

func TestStageAbsentFromTableHasNoEdges(t *testing.T) {
	policy := NewPolicy(config.Default("acme"))
	stages := append(stageGraph(), domain.Stage{ID: "engagement.archived", Name: "archived", Order: 4})
	require.Empty(t, policy.LegalTargets("engagement", Actor{ID: "u1", Role: "staff"}, stages[4], false, stages))
}

func TestAnonymousActorHasNoEdges(t *testing.T) {
	policy := NewPolicy(config.Default("acme"))
	stages := stageGraph()
	require.Empty(t, policy.LegalTargets("engagement", Actor{Role: "admin"}, stages[0], false, stages))
}
