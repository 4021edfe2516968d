package ledger_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testledger/pkg/ledger"
)

func TestCompact_RemovesUnretainedBuilds(t *testing.T) {
	s := setupTestStore(t, ledger.Options{})
	ctx := context.Background()

	seedScenario(t, s)
	require.NoError(t, s.SummarizeBuild(ctx, project, 1))
	require.NoError(t, s.SummarizeBuild(ctx, project, 2))

	result, err := s.Compact(ctx, project, []string{buildID(2), buildID(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retained)
	assert.Equal(t, int64(3), result.Deleted["tests"])
	assert.Equal(t, int64(1), result.Deleted["module_summary"])
	assert.Equal(t, int64(1), result.Deleted["project_summary"])

	sum, err := s.Summarize(ctx, ledger.LevelClass, 1, classKey)
	require.NoError(t, err)
	assert.Nil(t, sum)

	for _, level := range ledger.Levels {
		sum, err := s.ForBuild(ctx, level, 1, classKey.With(ledger.LevelCase, "a"))
		require.NoError(t, err)
		assert.Nil(t, sum, level.String())
	}

	kept, err := s.ForBuild(ctx, ledger.LevelClass, 2, classKey)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, int64(2), kept.TotalCount)

	builds, err := s.Builds(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, []ledger.BuildRef{{BuildNumber: 2, BuildID: buildID(2)}}, builds)
}

func TestCompact_LeavesOtherProjectsUntouched(t *testing.T) {
	s := setupTestStore(t, ledger.Options{})
	ctx := context.Background()

	seedScenario(t, s)

	other := record(1, "mod", "pkg", "Cls", "a", ledger.StatusSuccess)
	other.Project = "other"

	require.NoError(t, s.InsertBatch(ctx, []ledger.TestCaseRecord{other}))
	require.NoError(t, s.SummarizeBuild(ctx, "other", 1))

	_, err := s.Compact(ctx, project, nil)
	require.NoError(t, err)

	builds, err := s.Builds(ctx, project)
	require.NoError(t, err)
	assert.Empty(t, builds)

	builds, err = s.Builds(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, builds, 1)

	sum, err := s.ForBuild(ctx, ledger.LevelProject, 1, ledger.ProjectKey("other"))
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, int64(1), sum.TotalCount)
}

func TestCompact_ReclaimThreshold(t *testing.T) {
	const headroom = int64(1 << 30)

	s := setupTestStore(t, ledger.Options{ReclaimHeadroom: headroom})
	ctx := context.Background()

	seedScenario(t, s)

	first, err := s.Compact(ctx, project, []string{buildID(1), buildID(2)})
	require.NoError(t, err)
	assert.True(t, first.Reclaimed)
	assert.Equal(t, first.SizeAfter+headroom, first.Threshold)

	value, ok, err := s.Property(ctx, project, ledger.ReclaimThresholdProperty)
	require.NoError(t, err)
	require.True(t, ok)

	persisted, err := strconv.ParseInt(value, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, first.Threshold, persisted)

	second, err := s.Compact(ctx, project, []string{buildID(2)})
	require.NoError(t, err)
	assert.False(t, second.Reclaimed)
	assert.Equal(t, persisted, second.Threshold)
	assert.Equal(t, int64(3), second.Deleted["tests"])
}

func TestCompact_RejectsEmptyProject(t *testing.T) {
	s := setupTestStore(t, ledger.Options{})

	_, err := s.Compact(context.Background(), "", nil)
	require.ErrorIs(t, err, ledger.ErrInvalidRecord)
}

func TestCompact_ThenInsertAgain(t *testing.T) {
	s := setupTestStore(t, ledger.Options{})
	ctx := context.Background()

	seedScenario(t, s)

	_, err := s.Compact(ctx, project, []string{buildID(2)})
	require.NoError(t, err)

	require.NoError(t, s.InsertBatch(ctx, []ledger.TestCaseRecord{
		record(3, "mod", "pkg", "Cls", "a", ledger.StatusFailure),
	}))

	prior, err := s.ForBuildPriorTo(ctx, ledger.LevelClass, 3, classKey)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, 2, prior.BuildNumber)
}
