package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltrigger/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, config.StoreConfig{Driver: config.StoreMemory})
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(Pruner)
		assert.True(t, ok)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(ctx, config.StoreConfig{Driver: config.StoreSQLite, Path: t.TempDir()})
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Record(ctx, "Start-a"))
		ok, err := s.Exists(ctx, "Start-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := Open(ctx, config.StoreConfig{Driver: "dynamodb"})
		assert.ErrorIs(t, err, config.ErrUnknownStoreDriver)
	})
}
