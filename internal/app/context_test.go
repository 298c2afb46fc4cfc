package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
)

func TestOpenSeedsSamplePipeline(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	e, conn, err := Open(ctx, ws, "tester")
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, DefaultPipelineID, e.Config.Pipeline.ID)

	stages, err := e.ListStages(ctx, "engagement")
	require.NoError(t, err)
	require.Len(t, stages, 4)
}

func TestOpenPrefersWorkspaceFileThenDatabase(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	yml := strings.Replace(config.GenerateDefault("from-file"), "name: Client engagements", "name: From file", 1)
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))

	e, conn, err := Open(ctx, ws, "tester")
	require.NoError(t, err)
	require.Equal(t, "from-file", e.Config.Pipeline.ID)
	require.NoError(t, conn.Close())

	// a stored pipeline wins over later edits to the file
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("edited")), 0o644))
	e, conn, err = Open(ctx, ws, "tester")
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "from-file", e.Config.Pipeline.ID)
}

func TestOpenRejectsInvalidFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("pipeline: {}\n"), 0o644))
	_, _, err := Open(context.Background(), ws, "tester")
	require.Error(t, err)
}
