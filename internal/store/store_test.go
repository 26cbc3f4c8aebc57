package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/store"
	"github.com/nidhogg/msgproviders/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	b, err := store.Open(context.Background(), "sqlite", map[string]string{store.OptPath: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	storetest.Run(t, b)
}

func TestBackendsRegistered(t *testing.T) {
	assert.Equal(t, []string{"memory", "postgres", "redis", "sqlite"}, store.Backends())
}

func TestOpenUnknown(t *testing.T) {
	_, err := store.Open(context.Background(), "etcd", nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestOpenValidatesOptions(t *testing.T) {
	_, err := store.Open(context.Background(), "postgres", nil, zap.NewNop())
	var cfgErr *store.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, store.OptDSN, cfgErr.Option)

	_, err = store.Open(context.Background(), "redis", map[string]string{store.OptURL: "redis://localhost:1", store.OptTTL: "soon"}, zap.NewNop())
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, store.OptTTL, cfgErr.Option)
}

func TestMemoryClosed(t *testing.T) {
	m := store.NewMemory()
	require.NoError(t, m.Close())
	_, _, err := m.Read(context.Background(), "k", nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}
