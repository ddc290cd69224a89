package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessguard/internal/evidence"
	"accessguard/internal/license"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accessguard.yaml")
	content := fmt.Sprintf(`
logging:
  level: error
storage:
  backend: file
  dir: %s
license:
  scrypt_n: 1024
monitor:
  enabled: false
telemetry:
  metric_exporter: none
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestActivateStatusDeactivate(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCmd(t, "status", "-config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "unactivated"`)

	out, err = runCmd(t, "activate", "-config", cfg, "-key", "LIC-ZX12-CV34-BN56-ML78", "-email", "reader@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, license.MaskKey("LIC-ZX12-CV34-BN56-ML78"))
	assert.NotContains(t, out, "LIC-ZX12-CV34-BN56-ML78")

	// State survives across invocations through the file store.
	out, err = runCmd(t, "status", "-config", cfg)
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "valid", status["status"])

	out, err = runCmd(t, "deactivate", "-config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "unactivated"`)
}

func TestActivateRejectsBadKey(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCmd(t, "activate", "-config", cfg)
	assert.ErrorIs(t, err, errUsage)

	_, err = runCmd(t, "activate", "-config", cfg, "-key", "not-a-key")
	assert.ErrorIs(t, err, license.ErrInvalidFormat)
}

func TestVerify(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCmd(t, "verify", "-config", cfg)
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Contains(t, result, "verified")
	assert.Contains(t, result, "similarity")
}

func TestEvidencePrintAndExport(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCmd(t, "evidence", "-config", cfg)
	require.NoError(t, err)
	var logs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &logs))
	require.Len(t, logs, 2)

	out, err = runCmd(t, "evidence", "-config", cfg, "-log", evidence.LogSecurity)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, evidence.LogSecurity, logs[0]["log"])
	assert.Equal(t, float64(evidence.SecurityCapacity), logs[0]["capacity"])

	_, err = runCmd(t, "evidence", "-config", cfg, "-log", "audit")
	assert.ErrorIs(t, err, errUsage)

	target := filepath.Join(t.TempDir(), "evidence.xlsx")
	_, err = runCmd(t, "evidence", "-config", cfg, "-export", target)
	require.NoError(t, err)
	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("PK")))
}

func TestUsage(t *testing.T) {
	_, err := runCmd(t, "launch")
	assert.ErrorIs(t, err, errUsage)

	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "AccessGuard")

	out, err = runCmd(t, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "activate")

	_, err = runCmd(t, "status", "-bogus")
	assert.ErrorIs(t, err, errUsage)
}
