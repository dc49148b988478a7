package credstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/presbrey/ircd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.db")
	s, err := Open(config.Database{URL: path, Driver: "sqlite", MaxPoolSize: 4})
	require.NoError(t, err)
	require.NoError(t, s.db.AutoMigrate(&Account{}))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.db.Create(&Account{Name: "alice", PasswordHash: string(hash)}).Error)
	return s
}

func TestLookupSuccess(t *testing.T) {
	s := newTestStore(t)
	result, err := s.Lookup(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	require.Equal(t, Ok, result)
}

func TestLookupWrongPassword(t *testing.T) {
	s := newTestStore(t)
	result, err := s.Lookup(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	require.Equal(t, Denied, result)
}

func TestLookupUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	result, err := s.Lookup(context.Background(), "bob", "anything")
	require.NoError(t, err)
	require.Equal(t, Denied, result)
}

func TestDisabledStore(t *testing.T) {
	s, err := Open(config.Database{})
	require.NoError(t, err)
	require.Nil(t, s)
	require.False(t, s.Enabled())
}
