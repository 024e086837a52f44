package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentix-ortho/goaltest-server/packages/common"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "goaltest.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening applies the schema idempotently.
	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateRun(ctx, "run-1", 3, started))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, common.RunStatusRunning, run.Status)
	assert.Equal(t, 3, run.Concurrency)
	assert.True(t, run.StartedAt.Equal(started))
	assert.Nil(t, run.CompletedAt)

	progress := common.Progress{Total: 5, Completed: 3, Passed: 2, Failed: 1}
	require.NoError(t, s.UpdateRunProgress(ctx, "run-1", common.RunStatusPaused, progress))
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, common.RunStatusPaused, run.Status)
	assert.Equal(t, progress, run.Progress)

	done := started.Add(time.Minute)
	final := common.Progress{Total: 5, Completed: 5, Passed: 4, Failed: 1}
	require.NoError(t, s.FinishRun(ctx, "run-1", common.RunStatusCompleted, final, done))
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, common.RunStatusCompleted, run.Status)
	assert.Equal(t, final, run.Progress)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(done))
}

func TestProgressAfterFinishKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.CreateRun(ctx, "run-1", 1, time.Now()))

	final := common.Progress{Total: 3, Completed: 1, Passed: 1}
	require.NoError(t, s.FinishRun(ctx, "run-1", common.RunStatusAborted, final, time.Now()))

	late := common.Progress{Total: 3, Completed: 2, Passed: 2}
	require.NoError(t, s.UpdateRunProgress(ctx, "run-1", common.RunStatusRunning, late))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, common.RunStatusAborted, run.Status)
	assert.True(t, run.Status.Terminal())
	assert.Equal(t, final, run.Progress)
	assert.NotNil(t, run.CompletedAt)
}

func TestRunNotFound(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.True(t, IsNotFound(err))

	err = s.UpdateRunProgress(ctx, "missing", common.RunStatusRunning, common.Progress{})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishRun(ctx, "missing", common.RunStatusFailed, common.Progress{}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.CreateRun(ctx, "run-1", 1, time.Now()))
	require.NoError(t, s.CreateRun(ctx, "run-2", 1, time.Now()))

	_, err := s.InsertResult(ctx, common.Result{RunID: "run-1", TestID: "HAPPY-001", TestName: "Single child", Status: "passed", DurationMs: 1200})
	require.NoError(t, err)
	_, err = s.InsertResult(ctx, common.Result{RunID: "run-2", TestID: "HAPPY-002", Status: "failed"})
	require.NoError(t, err)
	_, err = s.InsertFinding(ctx, common.Finding{RunID: "run-1", TestID: "HAPPY-001", Severity: "low", Title: "Slow reply"})
	require.NoError(t, err)

	rt := int64(850)
	_, err = s.InsertTranscriptTurn(ctx, common.TranscriptTurn{RunID: "run-1", TestID: "HAPPY-001", TurnIndex: 1, Role: "assistant", Content: "Hello", ResponseTimeMs: &rt})
	require.NoError(t, err)
	_, err = s.InsertTranscriptTurn(ctx, common.TranscriptTurn{RunID: "run-1", TestID: "HAPPY-001", TurnIndex: 0, Role: "user", Content: "Hi"})
	require.NoError(t, err)
	_, err = s.InsertAPICall(ctx, common.APICallRecord{RunID: "run-1", TestID: "HAPPY-001", ToolName: "chord_ortho_patient", Status: "success"})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.Run.RunID)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "HAPPY-001", snap.Results[0].TestID)
	assert.Len(t, snap.Findings, 1)
	assert.Nil(t, snap.Transcript)
	assert.Nil(t, snap.APICalls)

	snap, err = s.Snapshot(ctx, "run-1", "HAPPY-001")
	require.NoError(t, err)
	require.Len(t, snap.Transcript, 2)
	assert.Equal(t, "user", snap.Transcript[0].Role, "ordered by turn index")
	require.NotNil(t, snap.Transcript[1].ResponseTimeMs)
	assert.Equal(t, int64(850), *snap.Transcript[1].ResponseTimeMs)
	require.Len(t, snap.APICalls, 1)
	assert.Equal(t, "chord_ortho_patient", snap.APICalls[0].ToolName)

	_, err = s.Snapshot(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlowiseConfigs(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.DefaultFlowiseConfig(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.UpsertFlowiseConfig(ctx, common.FlowiseConfig{TenantID: 1, Name: "Prod", URL: "https://a", IsDefault: true})
	require.NoError(t, err)
	second, err := s.UpsertFlowiseConfig(ctx, common.FlowiseConfig{TenantID: 1, Name: "Staging", URL: "https://b", APIKey: "k", IsDefault: true})
	require.NoError(t, err)

	def, err := s.DefaultFlowiseConfig(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second, def.ID, "newest default wins")

	prod, err := s.GetFlowiseConfig(ctx, first)
	require.NoError(t, err)
	assert.False(t, prod.IsDefault)
	assert.Equal(t, "Prod", prod.Name)

	_, err = s.DefaultFlowiseConfig(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLangfuseConfigs(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	id, err := s.UpsertLangfuseConfig(ctx, common.LangfuseConfig{TenantID: 1, Name: "Cloud", Host: "https://lf", PublicKey: "pk", SecretKey: "sk", IsDefault: true})
	require.NoError(t, err)

	cfg, err := s.GetLangfuseConfig(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pk", cfg.PublicKey)
	assert.True(t, cfg.IsDefault)

	cfg.Name = "Cloud EU"
	_, err = s.UpsertLangfuseConfig(ctx, cfg)
	require.NoError(t, err)
	def, err := s.DefaultLangfuseConfig(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Cloud EU", def.Name)

	_, err = s.GetLangfuseConfig(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
