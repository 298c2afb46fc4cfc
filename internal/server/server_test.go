package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, authCfg AuthConfig) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, Config{Auth: authCfg})
}

func newTestServerWith(t *testing.T, srvCfg Config) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("pipe-1")
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.Now = func() time.Time { return time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC) }
	if err := e.ImportPipeline(ctx, cfg, "tester"); err != nil {
		t.Fatalf("import pipeline: %v", err)
	}
	if srvCfg.Auth.JWTSecret == "" {
		srvCfg.Auth.JWTSecret = testSecret
	}
	srvCfg.Engine = e
	srvCfg.BasePath = "/v0"
	handler, err := New(srvCfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func bearer(t *testing.T, actorID, role string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func createProject(t *testing.T, srv *httptest.Server) domain.Project {
	t.Helper()
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{
		ProjectTypeID:     "engagement",
		Name:              "Acme books",
		CurrentAssigneeID: "sam",
		ClientManagerID:   "cam",
		BookkeeperID:      "bea",
	}, bearer(t, "ada", "admin"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, data)
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	return p
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthenticated" {
		t.Fatalf("expected 401, got %d %s", resp.StatusCode, data)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", resp.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v0/projects/{project_id}/transitions"]; !ok {
		t.Fatalf("expected transitions path in openapi document")
	}
	components, _ := oas["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	// the request body and the echoed engine request are distinct schemas
	for _, name := range []string{"TransitionBody", "TransitionRequest", "ValidationResult"} {
		if _, ok := schemas[name]; !ok {
			t.Fatalf("expected schema %s, got %v", name, keys(schemas))
		}
	}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestOversizedBodyIs413(t *testing.T) {
	srv := newTestServerWith(t, Config{MaxBodyBytes: 256})
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{
		ProjectTypeID:   "engagement",
		Name:            strings.Repeat("x", 1024),
		ClientManagerID: "cam",
	}, bearer(t, "ada", "admin"))
	if resp.StatusCode != http.StatusRequestEntityTooLarge || decodeError(t, data).Code != "request_too_large" {
		t.Fatalf("expected 413, got %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{
		ProjectTypeID:     "engagement",
		Name:              "small",
		CurrentAssigneeID: "sam",
		ClientManagerID:   "cam",
		BookkeeperID:      "bea",
	}, bearer(t, "ada", "admin"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected a body under the cap to pass, got %d %s", resp.StatusCode, data)
	}
}

func TestCreateProjectRequiresElevatedRole(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{ProjectTypeID: "engagement", ClientManagerID: "cam"}, bearer(t, "sam", "staff"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{ProjectTypeID: "engagement"}, bearer(t, "ada", "admin"))
	if resp.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "missing_assignments" {
		t.Fatalf("expected missing assignments, got %d %s", resp.StatusCode, data)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	p := createProject(t, srv)
	base := srv.URL + "/v0/projects/" + p.ID
	staff := bearer(t, "sam", "staff")

	resp, data := doJSON(t, http.MethodGet, base+"/transitions", nil, staff)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("legal transitions: %d %s", resp.StatusCode, data)
	}
	var legal []domain.Stage
	if err := json.Unmarshal(data, &legal); err != nil || len(legal) != 2 {
		t.Fatalf("expected two targets, got %s", data)
	}

	resp, data = doJSON(t, http.MethodPost, base+"/transitions", TransitionBody{TargetStage: "in_progress", ReasonID: "assigned"}, staff)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("commit: %d %s", resp.StatusCode, data)
	}
	var committed engine.CommitResult
	if err := json.Unmarshal(data, &committed); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if committed.Project.CurrentStatus != "in_progress" || committed.Record.ActorID != "sam" {
		t.Fatalf("unexpected commit %+v", committed)
	}

	resp, data = doJSON(t, http.MethodPost, base+"/transitions/validate", TransitionBody{TargetStage: "done", ReasonID: "completed"}, staff)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", resp.StatusCode, data)
	}
	var result engine.ValidationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Valid || result.PendingApproval == nil || result.PendingApproval.ApprovalID != "sign_off" {
		t.Fatalf("expected pending approval, got %s", data)
	}

	resp, data = doJSON(t, http.MethodPost, base+"/transitions", TransitionBody{TargetStage: "done", ReasonID: "completed"}, staff)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", resp.StatusCode, data)
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != string(engine.KindValidationError) || apiErr.Details["pending_approval"] == nil {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	resp, data = doJSON(t, http.MethodPost, base+"/transitions", TransitionBody{
		TargetStage:       "done",
		ReasonID:          "completed",
		ApprovalResponses: []engine.ResponseInput{{FieldID: "signed_off", Value: true}},
	}, staff)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sign off: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodPost, base+"/complete", CompleteProjectRequest{}, staff)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected staff completion to be refused, got %d %s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, http.MethodPost, base+"/complete", CompleteProjectRequest{}, bearer(t, "bea", "bookkeeper"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodPost, base+"/transitions", TransitionBody{TargetStage: "intake", ReasonID: "reopened"}, bearer(t, "ada", "admin"))
	if resp.StatusCode != http.StatusConflict || decodeError(t, data).Code != string(engine.KindProjectClosed) {
		t.Fatalf("expected project closed, got %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodGet, base+"/history", nil, staff)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", resp.StatusCode, data)
	}
	var recs []domain.TransitionRecord
	if err := json.Unmarshal(data, &recs); err != nil || len(recs) != 2 {
		t.Fatalf("expected two records, got %s", data)
	}
}

func TestUnauthorizedTransitionIs403(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	p := createProject(t, srv)
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", TransitionBody{TargetStage: "done", ReasonID: "completed"}, bearer(t, "sam", "staff"))
	if resp.StatusCode != http.StatusForbidden || decodeError(t, data).Code != string(engine.KindUnauthorized) {
		t.Fatalf("expected 403, got %d %s", resp.StatusCode, data)
	}
}

func TestStaleVersionIs409(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	p := createProject(t, srv)
	stale := int64(7)
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", TransitionBody{TargetStage: "in_progress", ReasonID: "assigned", ExpectedVersion: &stale}, bearer(t, "sam", "staff"))
	if resp.StatusCode != http.StatusConflict || decodeError(t, data).Code != "concurrent_modification" {
		t.Fatalf("expected 409, got %d %s", resp.StatusCode, data)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	h := bearer(t, "sam", "staff")
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/v0/project-types/engagement/stages", nil, h)
	var stages []domain.Stage
	if resp.StatusCode != http.StatusOK || json.Unmarshal(data, &stages) != nil || len(stages) != 4 {
		t.Fatalf("stages: %d %s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, http.MethodGet, srv.URL+"/v0/reasons/missing_documents/fields", nil, h)
	var fields []domain.ReasonCustomField
	if resp.StatusCode != http.StatusOK || json.Unmarshal(data, &fields) != nil || len(fields) != 2 {
		t.Fatalf("fields: %d %s", resp.StatusCode, data)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/stages/nope/reasons", nil, h)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "sam", "X-Actor-Role": "staff"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("legacy header: %d %s", resp.StatusCode, data)
	}
	srv = newTestServer(t, AuthConfig{})
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "sam"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected legacy header to be refused, got %d", resp.StatusCode)
	}
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t, AuthConfig{DevLogin: true})
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{ActorID: "ada", Role: "admin"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", resp.StatusCode, data)
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("expected token, got %s", data)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + out.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted token rejected: %d", resp.StatusCode)
	}
}
