package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/graph"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "turn", "ingest", "version"} {
		assert.True(t, names[name], "expected subcommand %q to be registered", name)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := buildRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "turnmesh dev"))
}

func TestTurnCmdGreeting(t *testing.T) {
	for _, k := range []string{"TURNMESH_CONFIG", "DATABASE_URL", "START_TURN_WITH_START_AGENT"} {
		t.Setenv(k, "")
	}

	path := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"messages": [{"role": "system", "content": ""}],
		"startAgent": "A",
		"agents": [{"name": "A", "description": "A agent"}],
		"tools": []
	}`), 0o600))

	cmd := buildRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"turn", "--request", path})

	require.NoError(t, cmd.ExecuteContext(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"message"`)
	assert.Contains(t, lines[0], graph.DefaultGreeting)
	assert.Contains(t, lines[1], `"type":"done"`)
}

func TestIngestRequiresDatabase(t *testing.T) {
	for _, k := range []string{"TURNMESH_CONFIG", "DATABASE_URL"} {
		t.Setenv(k, "")
	}

	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ingest", "--project", "p1", "--source", "s1", "--file", "missing.md"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}
