package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Meta  map[string]string `json:"meta,omitempty"`
}

func TestLoad_FileNotFound(t *testing.T) {
	var s sample

	found, err := Load("/nonexistent/path/state.json", &s)
	assert.False(t, found)
	assert.NoError(t, err)
	assert.Equal(t, sample{}, s)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	want := sample{Name: "jar", Count: 3, Meta: map[string]string{"k": "v"}}
	require.NoError(t, Save(path, want))

	var got sample

	found, err := Load(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestSave_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, sample{Name: "x"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestSave_Overwrite_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, Save(path, sample{Count: 1}))
	require.NoError(t, Save(path, sample{Count: 2}))

	var got sample

	_, err := Load(path, &got)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be renamed or removed")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	var s sample

	found, err := Load(path, &s)
	assert.False(t, found)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, sample{}))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path), "removing a missing file is not an error")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
