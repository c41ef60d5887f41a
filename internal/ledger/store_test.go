package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lineprov/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return s
}

const token = "AbCd1234+/AbCd1234+/AbCd1234+/wxyz"

func TestStore_RecordsRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.BeginRun(ctx, "Accounts", 2)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	require.NoError(t, s.RecordResult(ctx, id, workflow.Result{
		Row:         3,
		Success:     true,
		BasicID:     "@abc1234",
		AccessToken: token,
		Phases: []workflow.PhaseOutcome{
			{Phase: workflow.PhaseCreating, Status: workflow.StatusOK},
			{Phase: workflow.PhaseIconUpdating, Status: workflow.StatusFailed, Err: errors.New("no crop dialog")},
		},
	}))
	require.NoError(t, s.RecordResult(ctx, id, workflow.Result{Row: 4, Error: "identifier not found"}))
	require.NoError(t, s.FinishRun(ctx, id, "completed"))

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].State)
	assert.Equal(t, 1, runs[0].Succeeded)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, 2, runs[0].Total)
	assert.True(t, runs[0].FinishedAt.After(runs[0].StartedAt))

	entries, err := s.Entries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].Row)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "AbCd12...wxyz", entries[0].TokenMasked)
	assert.NotContains(t, entries[0].TokenMasked, token)
	assert.Equal(t, []PhaseEntry{
		{Phase: "creating", Status: "ok"},
		{Phase: "icon_updating", Status: "failed", Error: "no crop dialog"},
	}, entries[0].Phases)
	assert.False(t, entries[1].Success)
	assert.Equal(t, "identifier not found", entries[1].Error)
	assert.Empty(t, entries[1].Phases)
}

func TestStore_RunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.BeginRun(ctx, "a.csv", 1)
	require.NoError(t, err)
	second, err := s.BeginRun(ctx, "b.csv", 1)
	require.NoError(t, err)

	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)
	assert.Equal(t, "running", runs[1].State)
	assert.True(t, runs[1].FinishedAt.IsZero())

	runs, err = s.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_FinishUnknownRun(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.FinishRun(context.Background(), "missing", "stopped"))
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	id, err := s.BeginRun(context.Background(), "Accounts", 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	runs, err := s.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "****", MaskToken("short"))
	assert.Equal(t, "AbCd12...wxyz", MaskToken(token))
}

func TestMarkdown(t *testing.T) {
	assert.Contains(t, Markdown(nil, nil), "No runs recorded")

	runs := []Run{{ID: "0123456789abcdef", Source: "Sheet|1", State: "stopped", Total: 3, Succeeded: 1, Failed: 1}}
	md := Markdown(runs, []Entry{
		{Row: 3, Success: true, BasicID: "@abc", TokenMasked: "AbCd12...wxyz",
			Phases: []PhaseEntry{{Phase: "icon_updating", Status: "failed"}}},
		{Row: 4, Error: "identifier not found"},
	})
	assert.Contains(t, md, "| `01234567` | - | Sheet\\|1 | stopped | 1 | 1 | 3 |")
	assert.Contains(t, md, "| 3 | ok | @abc | AbCd12...wxyz | failed: icon_updating |")
	assert.Contains(t, md, "| 4 | failed |  |  | identifier not found |")
}
