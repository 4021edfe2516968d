package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	reg := ledger.NewRegistry(testLogger(), root, ledger.Options{})

	t.Cleanup(func() { _ = reg.Close() })

	_, err := reg.Existing(ctx, "web/app")
	require.ErrorIs(t, err, ledger.ErrUnknownProject)

	s, err := reg.Store(ctx, "web/app")
	require.NoError(t, err)

	again, err := reg.Store(ctx, "web/app")
	require.NoError(t, err)
	assert.Same(t, s, again)

	dir, err := reg.ProjectDir("web/app")
	require.NoError(t, err)
	assert.Equal(t, root, filepath.Dir(dir))
	assert.FileExists(t, filepath.Join(dir, ledger.DatabaseFile))

	_, err = reg.Store(ctx, "api")
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))

	projects, err := reg.Projects()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web/app"}, projects)

	require.NoError(t, reg.Close())

	// A closed registry reopens existing stores.
	existing, err := reg.Existing(ctx, "api")
	require.NoError(t, err)
	assert.NotNil(t, existing)
}

func TestRegistry_InvalidProject(t *testing.T) {
	reg := ledger.NewRegistry(testLogger(), t.TempDir(), ledger.Options{})

	for _, name := range []string{"", ".", ".."} {
		_, err := reg.Store(context.Background(), name)
		require.ErrorIs(t, err, ledger.ErrInvalidRecord, name)
	}
}

func TestRegistry_ProjectsMissingRoot(t *testing.T) {
	reg := ledger.NewRegistry(testLogger(), filepath.Join(t.TempDir(), "absent"), ledger.Options{})

	projects, err := reg.Projects()
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	opts, err := ledger.OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultOptions().ReclaimHeadroom, opts.ReclaimHeadroom)
	assert.Equal(t, ledger.DefaultOptions().BusyTimeout, opts.BusyTimeout)
	assert.Equal(t, cfg.Store.MaxBatchSize, opts.MaxBatchSize)
	assert.Nil(t, opts.Owner)

	cfg.Store.ReclaimHeadroom = "lots"
	_, err = ledger.OptionsFromConfig(cfg, nil)
	require.Error(t, err)
}
