package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/generic/store/storetest"
	"github.com/warp/credit-engine/store/sqlite"
)

func TestSQLiteStore_InMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.DurableStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// File-backed databases use a real connection pool, so this exercises the
// BEGIN IMMEDIATE path with concurrent connections.
func TestSQLiteStore_File(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.DurableStore {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "credits.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credits.db")
	ctx := t.Context()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = s.EnsureBalance(ctx, generic.Balance{PrincipalID: "user-1", Amount: generic.NewAmount(3.5)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	b, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "3.50", b.Amount.String())
}
