package stagelinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/app"
	"stageline/internal/server"
	stagelinesdk "stageline/sdk/go"
)

func newClient(t *testing.T, actorID, role string) (*stagelinesdk.Client, *stagelinesdk.Client) {
	t.Helper()
	e, conn, err := app.Open(context.Background(), t.TempDir(), "tester")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	userToken, err := server.SignToken("sdk", actorID, role, time.Hour)
	require.NoError(t, err)
	adminToken, err := server.SignToken("sdk", "ada", "admin", time.Hour)
	require.NoError(t, err)
	return stagelinesdk.New(srv.URL, userToken), stagelinesdk.New(srv.URL, adminToken)
}

func TestClientDrivesAProjectThroughItsStages(t *testing.T) {
	ctx := context.Background()
	staff, admin := newClient(t, "sam", "staff")

	p, err := admin.CreateProject(ctx, stagelinesdk.CreateProject{ProjectTypeID: "engagement", Name: "Acme", ClientManagerID: "cam", CurrentAssigneeID: "sam"})
	require.NoError(t, err)
	require.Equal(t, "intake", p.CurrentStatus)

	targets, err := staff.LegalTransitions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	res, err := staff.CommitTransition(ctx, p.ID, stagelinesdk.Transition{TargetStage: "needs_input", ReasonID: "missing_documents"})
	require.Error(t, err)
	var apiErr *stagelinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.True(t, stagelinesdk.IsCode(err, "validation_error"))

	vr, err := staff.ValidateTransition(ctx, p.ID, stagelinesdk.Transition{
		TargetStage:    "needs_input",
		ReasonID:       "missing_documents",
		FieldResponses: []stagelinesdk.Response{{FieldID: "documents", Value: []string{"receipts"}}},
	})
	require.NoError(t, err)
	require.True(t, vr.Valid)

	res, err = staff.CommitTransition(ctx, p.ID, stagelinesdk.Transition{
		TargetStage:    "needs_input",
		ReasonID:       "missing_documents",
		FieldResponses: []stagelinesdk.Response{{FieldID: "documents", Value: []string{"receipts"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "needs_input", res.Project.CurrentStatus)
	require.Equal(t, "multi_select", res.Record.FieldResponses[0].FieldType)
	require.Contains(t, res.Notification.RecipientIDs, "cam")

	got, err := staff.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Timer)
	require.Equal(t, "needs_input", got.Timer.Stage)

	history, err := staff.History(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = staff.CompleteProject(ctx, p.ID, "")
	require.True(t, stagelinesdk.IsCode(err, "stage_not_final"))

	page, err := staff.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
}
