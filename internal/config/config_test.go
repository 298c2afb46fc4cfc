package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPipelineIsValid(t *testing.T) {
	cfg := Default("acme")
	require.Equal(t, "acme", cfg.Pipeline.ID)
	pt, ok := cfg.ProjectType("engagement")
	require.True(t, ok)
	require.Len(t, pt.Stages, 4)
	require.Equal(t, "engagement.intake", pt.Stages[0].ID)
	require.True(t, pt.Stages[3].Final)
	require.Equal(t, "sign_off", pt.Stages[3].Approval)
	require.Equal(t, []string{"in_progress", "needs_input"}, pt.Transitions[TierOrdinary]["intake"])
}

func TestTier(t *testing.T) {
	cfg := Default("acme")
	require.Equal(t, TierElevated, cfg.Tier("admin"))
	require.Equal(t, TierOrdinary, cfg.Tier("staff"))
	require.Equal(t, TierOrdinary, cfg.Tier("visitor"))
	var nilCfg *Config
	require.Equal(t, TierOrdinary, nilCfg.Tier("admin"))
}

func TestNormalizeFillsTemplates(t *testing.T) {
	data := strings.Replace(GenerateDefault("acme"), "notifications:", "ignored_notifications:", 1)
	cfg, err := FromYAML([]byte(data))
	require.NoError(t, err)
	require.Equal(t, DefaultSubject, cfg.Notifications.Subject)
	require.Equal(t, DefaultBody, cfg.Notifications.Body)
}

func TestValidateRejectsBrokenPipelines(t *testing.T) {
	cases := map[string]struct {
		old, new string
	}{
		"unknown tier":            {"admin: elevated", "admin: superuser"},
		"unknown transition":      {"needs_input: [in_progress]", "needs_input: [archived]"},
		"self loop":               {"needs_input: [in_progress]", "needs_input: [needs_input]"},
		"unknown approval":        {"approval: sign_off", "approval: missing_gate"},
		"bad field type":          {"type: long_text", "type: date"},
		"bad calendar":            {`start: "09:00"`, `start: "9am"`},
		"bad required assignment": {"required_assignments: [client_manager]", "required_assignments: [auditor]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			data := GenerateDefault("acme")
			require.Contains(t, data, tc.old)
			_, err := FromYAML([]byte(strings.Replace(data, tc.old, tc.new, 1)))
			require.Error(t, err)
		})
	}
}

func TestValidateRejectsOutgoingFinalEdges(t *testing.T) {
	data := strings.Replace(GenerateDefault("acme"), "needs_input: [in_progress]", "needs_input: [in_progress]\n        done: [intake]", 1)
	_, err := FromYAML([]byte(data))
	require.ErrorContains(t, err, "final stage done")
}

func TestMultiSelectNeedsOptions(t *testing.T) {
	data := strings.Replace(GenerateDefault("acme"), "options: [bank_statements, receipts, payroll, contracts]", "placeholder: pick", 1)
	_, err := FromYAML([]byte(data))
	require.ErrorContains(t, err, "needs options")
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte(GenerateDefault("ws")), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "ws", cfg.Pipeline.ID)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default("acme")
	data, err := cfg.Marshal()
	require.NoError(t, err)
	again, err := FromYAML(data)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}
