package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeConfig writes a SQLite config over the quickstart chain and returns
// its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	source, err := filepath.Abs(filepath.Join("..", "..", "examples", "quickstart"))
	require.NoError(t, err)

	content := fmt.Sprintf(`
database:
  driver: sqlite
  name: %s
migration:
  source: %s
  step_retries: 3
log:
  level: error
  format: json
%s`, filepath.Join(dir, "app.db"), source, extra)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun_Help(t *testing.T) {
	code, out, _ := runCLI(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "steps <n>")
}

func TestRun_NoArgs(t *testing.T) {
	code, _, errOut := runCLI(t)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "Usage:")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_BuildInfo(t *testing.T) {
	code, out, _ := runCLI(t, "build-info")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "ChainMigrate dev")
}

func TestRun_ValidateExamples(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"sentence_vault.yaml", "1 migration(s), versions 1..2"},
		{"uploader.yaml", "2 migration(s), versions 1..3"},
		{"subscriptions.yaml", "1 migration(s), versions 1..2"},
		{"quickstart", "3 migration(s), versions 1..4"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			code, out, errOut := runCLI(t, "validate", "--migrations", filepath.Join("..", "..", "examples", tt.file))
			require.Equal(t, exitOK, code, errOut)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestRun_ValidateBrokenChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
migrations:
  - start_version: 1
    up_sql: SELECT 1
    down_sql: SELECT 1
  - start_version: 3
    up_sql: SELECT 1
    down_sql: SELECT 1
`), 0o644))

	code, _, errOut := runCLI(t, "validate", "--migrations", path)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "chain gap")
}

func TestRun_ArgumentErrors(t *testing.T) {
	cfg := writeConfig(t, "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"steps needs n", []string{"steps", "--config", cfg}, "Usage: chainmigrate steps <n>"},
		{"bad version", []string{"to", "abc", "--config", cfg}, "Invalid version: abc"},
		{"extra argument", []string{"up", "3", "--config", cfg}, "takes no arguments"},
		{"extra argument after flags", []string{"up", "--config", cfg, "3"}, "takes no arguments"},
		{"two arguments", []string{"to", "3", "--config", cfg, "4"}, "Unexpected arguments: 4"},
		{"unknown flag", []string{"up", "--bogus"}, "flag provided but not defined"},
		{"bad driver", []string{"up", "--config", cfg, "--db-type", "oracle"}, "unsupported database driver"},
		{"missing source", []string{"up", "--config", cfg, "--migrations", "/nonexistent/chain.yaml"}, "Failed to create migrator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.args...)
			assert.Equal(t, exitFailure, code)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestRun_Lifecycle(t *testing.T) {
	cfg := writeConfig(t, "")

	code, out, errOut := runCLI(t, "init", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Current version: 1")

	code, out, errOut = runCLI(t, "plan", "3", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "2 step(s), ends with: reached")

	code, out, errOut = runCLI(t, "to", "3", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Current version: 3 (reached)")

	code, out, _ = runCLI(t, "version", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "Current version: 3\n", out)

	code, out, _ = runCLI(t, "to", "9", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Current version: 4 (chain_exhausted)")

	code, _, errOut = runCLI(t, "to", "9", "--strict", "--config", cfg)
	assert.Equal(t, exitUnreachable, code)
	assert.Contains(t, errOut, "target version unreachable")

	code, out, _ = runCLI(t, "steps", "-2", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Current version: 2 (reached)")

	code, out, _ = runCLI(t, "status", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Total: 3, Applied: 1, Pending: 2")

	code, out, _ = runCLI(t, "info", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Head Version:       4")

	code, _, _ = runCLI(t, "up", "--config", cfg)
	require.Equal(t, exitOK, code)

	code, out, _ = runCLI(t, "down", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Current version: 3 (reached)")

	code, out, _ = runCLI(t, "reset", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Current version: 1 (reached)")
}

func TestRun_ArgumentAfterFlags(t *testing.T) {
	cfg := writeConfig(t, "")
	code, _, errOut := runCLI(t, "init", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)

	code, out, errOut := runCLI(t, "to", "--strict", "--config", cfg, "3")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Current version: 3 (reached)")

	// 负数写在选项之后需要 -- 结束选项解析
	code, out, errOut = runCLI(t, "steps", "--config", cfg, "--", "-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Current version: 2 (reached)")
}

func TestRun_ToDefaultsToConfiguredTarget(t *testing.T) {
	cfg := writeConfig(t, "")
	code, _, errOut := runCLI(t, "init", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)

	t.Setenv("CHAINMIGRATE_MIGRATION_TARGET_VERSION", "2")
	code, out, _ := runCLI(t, "to", "--config", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Current version: 2 (reached)")
}

func TestRun_PushesMetrics(t *testing.T) {
	var pushes atomic.Int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/metrics/job/chainmigrate" {
			pushes.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	cfg := writeConfig(t, fmt.Sprintf(`
metrics:
  enabled: true
  namespace: chainmigrate
  push_url: %s
  job: chainmigrate
`, gateway.URL))

	code, _, errOut := runCLI(t, "init", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)
	code, _, errOut = runCLI(t, "up", "--config", cfg)
	require.Equal(t, exitOK, code, errOut)

	assert.Equal(t, int32(2), pushes.Load())
}

func TestSplitArg(t *testing.T) {
	tests := []struct {
		args []string
		arg  string
		rest []string
	}{
		{nil, "", nil},
		{[]string{"3", "--strict"}, "3", []string{"--strict"}},
		{[]string{"-1"}, "-1", []string{}},
		{[]string{"--config", "x"}, "", []string{"--config", "x"}},
	}
	for _, tt := range tests {
		arg, rest := splitArg(tt.args)
		assert.Equal(t, tt.arg, arg)
		assert.Equal(t, tt.rest, rest)
	}
}
