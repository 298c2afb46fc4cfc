package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stageline/internal/calendar"
	"stageline/internal/domain"
)

const (
	TierElevated = "elevated"
	TierOrdinary = "ordinary"
)

// Config models stageline.yml.
type Config struct {
	Pipeline struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name,omitempty"`
	} `yaml:"pipeline"`
	Calendar      Calendar          `yaml:"calendar"`
	Roles         map[string]string `yaml:"roles"`
	Notifications Notifications     `yaml:"notifications"`
	Webhooks      []Webhook         `yaml:"webhooks,omitempty"`
	ProjectTypes  []ProjectType     `yaml:"project_types"`
}

type Calendar struct {
	Timezone    string   `yaml:"timezone,omitempty"`
	Days        []string `yaml:"days,omitempty"`
	Start       string   `yaml:"start,omitempty"`
	End         string   `yaml:"end,omitempty"`
	Holidays    []string `yaml:"holidays,omitempty"`
	StepMinutes int      `yaml:"step_minutes,omitempty"`
}

type Notifications struct {
	Subject string `yaml:"subject,omitempty"`
	Body    string `yaml:"body,omitempty"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Disabled       bool     `yaml:"disabled,omitempty"`
}

// ProjectType describes one pipeline. Transitions maps a tier to its
// allow-list keyed by current stage name.
type ProjectType struct {
	ID                  string                         `yaml:"id"`
	Name                string                         `yaml:"name,omitempty"`
	RequiredAssignments []string                       `yaml:"required_assignments,omitempty"`
	Stages              []Stage                        `yaml:"stages"`
	Approvals           []Approval                     `yaml:"approvals,omitempty"`
	Transitions         map[string]map[string][]string `yaml:"transitions,omitempty"`
}

type Stage struct {
	ID                   string   `yaml:"id,omitempty"`
	Name                 string   `yaml:"name"`
	Color                string   `yaml:"color,omitempty"`
	AssignedRole         string   `yaml:"assigned_role,omitempty"`
	MaxInstanceTimeHours float64  `yaml:"max_instance_time_hours,omitempty"`
	Final                bool     `yaml:"final,omitempty"`
	Approval             string   `yaml:"approval,omitempty"`
	Reasons              []Reason `yaml:"reasons,omitempty"`
}

type Reason struct {
	ID     string  `yaml:"id"`
	Reason string  `yaml:"reason"`
	Fields []Field `yaml:"fields,omitempty"`
}

type Field struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Required    bool     `yaml:"required,omitempty"`
	Options     []string `yaml:"options,omitempty"`
	Placeholder string   `yaml:"placeholder,omitempty"`
}

type Approval struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Fields      []ApprovalField `yaml:"fields"`
}

type ApprovalField struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	ExpectedBoolean *bool    `yaml:"expected_boolean,omitempty"`
	ExpectedNumber  *float64 `yaml:"expected_number,omitempty"`
	Comparison      string   `yaml:"comparison,omitempty"`
	Description     string   `yaml:"description,omitempty"`
}

var assignmentRoles = map[string]bool{"current_assignee": true, "client_manager": true, "bookkeeper": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl pipeline init", path)
		}
		return nil, err
	}
	return FromFile(path)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// FromYAML parses, normalizes and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the sample pipeline.
func Default(pipelineID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(pipelineID)))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns the sample pipeline as YAML.
func GenerateDefault(pipelineID string) string {
	if pipelineID == "" {
		pipelineID = "default"
	}
	return fmt.Sprintf(defaultTemplate, pipelineID)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Normalize fills derived identifiers and default templates.
func (c *Config) Normalize() {
	if c.Notifications.Subject == "" {
		c.Notifications.Subject = DefaultSubject
	}
	if c.Notifications.Body == "" {
		c.Notifications.Body = DefaultBody
	}
	for i := range c.Webhooks {
		if len(c.Webhooks[i].Events) == 0 {
			c.Webhooks[i].Events = []string{"transition.committed"}
		}
	}
	for i := range c.ProjectTypes {
		pt := &c.ProjectTypes[i]
		if pt.Name == "" {
			pt.Name = pt.ID
		}
		for j := range pt.Stages {
			if pt.Stages[j].ID == "" {
				pt.Stages[j].ID = pt.ID + "." + pt.Stages[j].Name
			}
		}
	}
}

// Tier resolves a role to its tier. Unknown roles are ordinary.
func (c *Config) Tier(role string) string {
	if c != nil && c.Roles[role] == TierElevated {
		return TierElevated
	}
	return TierOrdinary
}

// ProjectType returns the project type with id.
func (c *Config) ProjectType(id string) (*ProjectType, bool) {
	for i := range c.ProjectTypes {
		if c.ProjectTypes[i].ID == id {
			return &c.ProjectTypes[i], true
		}
	}
	return nil, false
}

// CalendarSpec converts the calendar section.
func (c *Config) CalendarSpec() calendar.Spec {
	return calendar.Spec{
		Timezone: c.Calendar.Timezone,
		Days:     c.Calendar.Days,
		Start:    c.Calendar.Start,
		End:      c.Calendar.End,
		Holidays: c.Calendar.Holidays,
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if _, err := calendar.New(c.CalendarSpec()); err != nil {
		return fmt.Errorf("config.calendar: %w", err)
	}
	if c.Calendar.StepMinutes < 0 || (c.Calendar.StepMinutes > 0 && 60%c.Calendar.StepMinutes != 0) {
		return fmt.Errorf("config.calendar.step_minutes must divide 60")
	}
	for role, tier := range c.Roles {
		if role == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		if tier != TierElevated && tier != TierOrdinary {
			return fmt.Errorf("role %s has unknown tier %q", role, tier)
		}
	}
	seenHooks := map[string]bool{}
	for _, wh := range c.Webhooks {
		if wh.ID == "" || wh.URL == "" {
			return fmt.Errorf("webhooks require id and url")
		}
		if seenHooks[wh.ID] {
			return fmt.Errorf("duplicate webhook %s", wh.ID)
		}
		seenHooks[wh.ID] = true
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("webhook %s url must be http(s)", wh.ID)
		}
	}
	if len(c.ProjectTypes) == 0 {
		return fmt.Errorf("config.project_types is required")
	}
	seenTypes := map[string]bool{}
	stageIDs := map[string]bool{}
	reasonIDs := map[string]bool{}
	fieldIDs := map[string]bool{}
	approvalIDs := map[string]bool{}
	for _, pt := range c.ProjectTypes {
		if pt.ID == "" {
			return fmt.Errorf("project type has empty id")
		}
		if seenTypes[pt.ID] {
			return fmt.Errorf("duplicate project type %s", pt.ID)
		}
		seenTypes[pt.ID] = true
		if err := pt.validate(stageIDs, reasonIDs, fieldIDs, approvalIDs); err != nil {
			return fmt.Errorf("project type %s: %w", pt.ID, err)
		}
	}
	return nil
}

func (pt ProjectType) validate(stageIDs, reasonIDs, fieldIDs, approvalIDs map[string]bool) error {
	for _, a := range pt.RequiredAssignments {
		if !assignmentRoles[a] {
			return fmt.Errorf("unknown required assignment %s", a)
		}
	}
	approvals := map[string]bool{}
	for _, ap := range pt.Approvals {
		if ap.ID == "" {
			return fmt.Errorf("approval has empty id")
		}
		if approvalIDs[ap.ID] {
			return fmt.Errorf("duplicate approval %s", ap.ID)
		}
		approvalIDs[ap.ID] = true
		approvals[ap.ID] = true
		for _, f := range ap.Fields {
			if err := f.validate(fieldIDs); err != nil {
				return fmt.Errorf("approval %s: %w", ap.ID, err)
			}
		}
	}
	if len(pt.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	names := map[string]domain.Stage{}
	for _, st := range pt.Stages {
		if st.Name == "" {
			return fmt.Errorf("stage has empty name")
		}
		if _, ok := names[st.Name]; ok {
			return fmt.Errorf("duplicate stage %s", st.Name)
		}
		if stageIDs[st.ID] {
			return fmt.Errorf("duplicate stage id %s", st.ID)
		}
		stageIDs[st.ID] = true
		names[st.Name] = domain.Stage{Name: st.Name, IsFinal: st.Final}
		if st.MaxInstanceTimeHours < 0 {
			return fmt.Errorf("stage %s has negative max_instance_time_hours", st.Name)
		}
		if st.Approval != "" && !approvals[st.Approval] {
			return fmt.Errorf("stage %s references unknown approval %s", st.Name, st.Approval)
		}
		for _, r := range st.Reasons {
			if r.ID == "" || strings.TrimSpace(r.Reason) == "" {
				return fmt.Errorf("stage %s has a reason without id or text", st.Name)
			}
			if reasonIDs[r.ID] {
				return fmt.Errorf("duplicate reason %s", r.ID)
			}
			reasonIDs[r.ID] = true
			for _, f := range r.Fields {
				if err := f.validate(fieldIDs); err != nil {
					return fmt.Errorf("reason %s: %w", r.ID, err)
				}
			}
		}
	}
	for tier, table := range pt.Transitions {
		if tier != TierOrdinary {
			return fmt.Errorf("transitions only list the %s tier; %s is table-free", TierOrdinary, tier)
		}
		for from, targets := range table {
			src, ok := names[from]
			if !ok {
				return fmt.Errorf("transitions reference unknown stage %s", from)
			}
			if src.IsFinal && len(targets) > 0 {
				return fmt.Errorf("final stage %s cannot have outgoing transitions", from)
			}
			for _, to := range targets {
				if _, ok := names[to]; !ok {
					return fmt.Errorf("transition %s -> %s references unknown stage", from, to)
				}
				if to == from {
					return fmt.Errorf("transition %s -> %s is a self-loop", from, to)
				}
			}
		}
	}
	return nil
}

func (f Field) validate(seen map[string]bool) error {
	if f.ID == "" || f.Name == "" {
		return fmt.Errorf("field requires id and name")
	}
	if seen[f.ID] {
		return fmt.Errorf("duplicate field %s", f.ID)
	}
	seen[f.ID] = true
	if !allowed(domain.ReasonFieldTypes, f.Type) {
		return fmt.Errorf("field %s has unsupported type %q", f.ID, f.Type)
	}
	if domain.FieldType(f.Type) == domain.FieldMultiSelect {
		if len(f.Options) == 0 {
			return fmt.Errorf("multi_select field %s needs options", f.ID)
		}
	} else if len(f.Options) > 0 {
		return fmt.Errorf("field %s: options only apply to multi_select", f.ID)
	}
	return nil
}

func (f ApprovalField) validate(seen map[string]bool) error {
	if f.ID == "" || f.Name == "" {
		return fmt.Errorf("approval field requires id and name")
	}
	if seen[f.ID] {
		return fmt.Errorf("duplicate field %s", f.ID)
	}
	seen[f.ID] = true
	if !allowed(domain.ApprovalFieldTypes, f.Type) {
		return fmt.Errorf("approval field %s has unsupported type %q", f.ID, f.Type)
	}
	ft := domain.FieldType(f.Type)
	if f.ExpectedBoolean != nil && ft != domain.FieldBoolean {
		return fmt.Errorf("approval field %s: expected_boolean needs type boolean", f.ID)
	}
	if f.ExpectedNumber != nil && ft != domain.FieldNumber {
		return fmt.Errorf("approval field %s: expected_number needs type number", f.ID)
	}
	switch domain.ComparisonType(f.Comparison) {
	case "", domain.CompareEqualTo, domain.CompareLessThan, domain.CompareGreaterThan:
	default:
		return fmt.Errorf("approval field %s has unknown comparison %q", f.ID, f.Comparison)
	}
	return nil
}

func allowed(types []domain.FieldType, v string) bool {
	for _, t := range types {
		if string(t) == v {
			return true
		}
	}
	return false
}

const (
	DefaultSubject = "{project_name} moved to {to_stage}"
	DefaultBody    = "Project {project_name} ({project_id}) moved from {from_stage} to {to_stage} by {actor_id}.\nReason: {reason}\n{notes}"
)

const defaultTemplate = `pipeline:
  id: %s
  name: Client engagements

calendar:
  timezone: UTC
  days: [mon, tue, wed, thu, fri]
  start: "09:00"
  end: "17:00"

roles:
  admin: elevated
  manager: elevated
  bookkeeper: ordinary
  staff: ordinary

notifications:
  subject: "{project_name} moved to {to_stage}"
  body: |
    Project {project_name} ({project_id}) moved from {from_stage} to {to_stage} by {actor_id}.
    Reason: {reason}
    {notes}

project_types:
  - id: engagement
    name: Engagement
    required_assignments: [client_manager]
    stages:
      - name: intake
        color: "#6b7280"
        reasons:
          - id: reopened
            reason: Reopened
            fields:
              - id: reopen_note
                name: Why it was reopened
                type: long_text
                required: true
      - name: in_progress
        color: "#2563eb"
        assigned_role: staff
        max_instance_time_hours: 8
        reasons:
          - id: assigned
            reason: Assigned
          - id: returned
            reason: Returned after input
            fields:
              - id: hours_waited
                name: Hours waited
                type: number
      - name: needs_input
        color: "#f59e0b"
        assigned_role: client_manager
        max_instance_time_hours: 16
        reasons:
          - id: missing_documents
            reason: Missing documents
            fields:
              - id: documents
                name: Documents
                type: multi_select
                required: true
                options: [bank_statements, receipts, payroll, contracts]
              - id: client_note
                name: Note to client
                type: short_text
      - name: done
        color: "#16a34a"
        assigned_role: bookkeeper
        final: true
        approval: sign_off
        reasons:
          - id: completed
            reason: Work completed
    approvals:
      - id: sign_off
        name: Sign-off
        fields:
          - id: signed_off
            name: signed_off
            type: boolean
            expected_boolean: true
    transitions:
      ordinary:
        intake: [in_progress, needs_input]
        in_progress: [needs_input, done]
        needs_input: [in_progress]
`
