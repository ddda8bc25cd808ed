package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGUIDStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "guids.json")
	db, err := NewGUIDStore(path)
	require.NoError(t, err)

	_, ok, err := db.LookupGUID("bmc1")
	require.NoError(t, err)
	assert.False(t, ok)

	guid := uuid.New()
	require.NoError(t, db.PinGUID("bmc1", guid))
	got, ok, err := db.LookupGUID("bmc1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, guid, got)
	db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// pins survive a restart
	db, err = NewGUIDStore(path)
	require.NoError(t, err)
	defer db.Close()
	got, ok, err = db.LookupGUID("bmc1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, guid, got)

	require.NoError(t, db.Forget("bmc1"))
	_, ok, err = db.LookupGUID("bmc1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGUIDStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guids.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"host_to_guid": {"bmc1": "not-a-guid"}}`), 0600))

	db, err := NewGUIDStore(path)
	require.NoError(t, err)
	defer db.Close()
	_, ok, err := db.LookupGUID("bmc1")
	assert.Error(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0600))
	_, err = NewGUIDStore(path)
	assert.Error(t, err)
}
