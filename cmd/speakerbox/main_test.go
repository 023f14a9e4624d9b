package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLocalBoardRoundTrip(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logLevel: error\nlocal:\n  path: "+filepath.Join(dir, "data")+"\n"), 0o644))
	audio := filepath.Join(dir, "horn.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	_, err := run(t, configPath, "add", "horn", audio, "--title", "Air horn")
	require.NoError(t, err)
	_, err = run(t, configPath, "add", "bell", audio)
	require.NoError(t, err)
	_, err = run(t, configPath, "move", "1", "0")
	require.NoError(t, err)

	out, err := run(t, configPath, "list")
	require.NoError(t, err)
	assert.Regexp(t, `(?s)0\s+bell\s+bell.*1\s+horn\s+Air horn\s+revId-\S+\s+4 bytes`, out)

	exported := filepath.Join(dir, "out.wav")
	_, err = run(t, configPath, "export", "horn", exported)
	require.NoError(t, err)
	raw, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), raw)

	_, err = run(t, configPath, "delete", "bell")
	require.NoError(t, err)
	out, err = run(t, configPath, "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "bell")

	_, err = run(t, configPath, "update", "horn")
	require.Error(t, err)
}
