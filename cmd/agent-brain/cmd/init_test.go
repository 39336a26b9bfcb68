package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-brain/agent-brain/internal/config"
)

func runInit(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newInitCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInitCmd_WritesTemplate(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := runInit(t)

	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	data, err := os.ReadFile(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "embedding:")
	assert.Contains(t, string(data), "backend: chroma")
}

func TestInitCmd_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte("server:\n"), 0o644))

	_, err := runInit(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = runInit(t, "--force")
	require.NoError(t, err)
}

func TestInitCmd_StateFlag(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	t.Setenv(config.EnvStateDir, stateDir)

	_, err := runInit(t, "--state")

	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(stateDir, config.ConfigFileName))
	assert.NoError(t, statErr)
}
