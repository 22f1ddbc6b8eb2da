package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type thing struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	found, err := s.Get("missing", &thing{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put("a", thing{Name: "first", Count: 1}))
	var got thing
	found, err = s.Get("a", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, thing{Name: "first", Count: 1}, got)

	require.NoError(t, s.Put("a", thing{Name: "second", Count: 2}))
	_, err = s.Get("a", &got)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	require.NoError(t, s.Delete("a"))
	found, err = s.Get("a", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete("a"))
}

func TestMemoryStoreKeysByPrefix(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("blacklist:AAPL", 1))
	require.NoError(t, s.Put("blacklist:MSFT", 1))
	require.NoError(t, s.Put("metrics:us-stock:x", 1))

	keys, err := s.Keys("blacklist:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blacklist:AAPL", "blacklist:MSFT"}, keys)

	all, err := s.Keys("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileStorePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	fs, err := NewFileStore(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, fs.Put("k", thing{Name: "persisted", Count: 7}))
	require.NoError(t, fs.Stop())

	fs2, err := NewFileStore(path, time.Hour)
	require.NoError(t, err)
	defer fs2.Stop()

	var got thing
	found, err := fs2.Get("k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", got.Name)
	assert.Equal(t, 7, got.Count)
}

func TestFileStoreSurvivesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	fs, err := NewFileStore(path, time.Hour)
	require.NoError(t, err, "a corrupt state file must not prevent startup")
	defer fs.Stop()

	found, err := fs.Get("anything", &thing{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStoreWritesWellFormedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	fs, err := NewFileStore(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, fs.Put("k", "v"))
	require.NoError(t, fs.Stop())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var state map[string]json.RawMessage
	assert.NoError(t, json.Unmarshal(b, &state))
	assert.Contains(t, string(b), `"items"`)
}
