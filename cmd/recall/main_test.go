package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/memory"
)

// run executes the CLI against dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRecallCLI_SqliteLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "save", "--importance", "8", "I love hiking in Colorado")
	require.NoError(t, err)
	hikingID := strings.TrimSpace(out)
	require.NotEmpty(t, hikingID)

	_, err = run(t, dir, "save", "-i", "3", "My favorite food is sushi")
	require.NoError(t, err)

	out, err = run(t, dir, "count")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, dir, "recall", "hiking", "around", "Colorado")
	require.NoError(t, err)
	assert.Equal(t, "I love hiking in Colorado\n", out)

	out, err = run(t, dir, "list", "--json")
	require.NoError(t, err)
	var records []memory.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "My favorite food is sushi", records[0].Content)
	assert.Equal(t, 8, records[1].Importance)

	_, err = run(t, dir, "delete", hikingID, "unknown-id")
	require.NoError(t, err)

	out, err = run(t, dir, "count")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	// The database never holds the note text.
	data, err := os.ReadFile(filepath.Join(dir, "memories.db"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "My favorite food is sushi")
}

func TestRecallCLI_Chromem(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "--backend", "chromem", "--embedder", "none", "save", "tomato basil garden")
	require.NoError(t, err)

	out, err := run(t, dir, "--backend", "chromem", "--embedder", "none", "recall", "garden", "tomato")
	require.NoError(t, err)
	assert.Equal(t, "tomato basil garden\n", out)

	_, err = os.Stat(filepath.Join(dir, "store.key"))
	assert.NoError(t, err)
}

func TestRecallCLI_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RECALL_BACKEND", "bogus")

	_, err := run(t, dir, "count")
	assert.ErrorContains(t, err, `unknown backend "bogus"`)
}

func TestRecallCLI_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("embedder: bogus\n"), 0o600))

	_, err := run(t, dir, "count")
	assert.ErrorContains(t, err, `unknown embedder "bogus"`)

	_, err = run(t, dir, "--config", filepath.Join(dir, "missing.yml"), "count")
	assert.Error(t, err)
}

func TestRecallCLI_Args(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "save")
	assert.Error(t, err)

	_, err = run(t, dir, "save", "   ")
	assert.Error(t, err)
}
