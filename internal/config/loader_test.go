package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agent-runtime/internal/auth"
	"github.com/mattjoyce/agent-runtime/internal/extension"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "service:\n  name: test-runtime\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-runtime", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.Runtime.DefaultHandlerTimeout)
	assert.Equal(t, 256, cfg.Queue.Capacity)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, extension.TrustWarn, cfg.Extensions.Trust)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  log_level: debug
  log_format: text
state:
  path: /tmp/rt.db
runtime:
  default_handler_timeout: 3s
  profiles:
    approval: "1.2.0"
extensions:
  trust: enforced
  repo_local_roots: [./ext]
queue:
  capacity: 8
  workers: 1
api:
  enabled: true
  listen: 127.0.0.1:9900
  auth:
    tokens:
      - actor: ops
        token: tok-1
        role: admin
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Runtime.DefaultHandlerTimeout)
	assert.Equal(t, "1.2.0", cfg.Runtime.Profiles["approval"])

	toks := cfg.API.AuthTokens()
	require.Len(t, toks, 1)
	assert.Equal(t, "ops", toks[0].Actor)
	assert.Equal(t, auth.RoleAdmin, toks[0].Role)
}

func TestLoadDirUsesConfigYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service: {}\n"), 0o644))

	_, err := Load(dir)
	assert.NoError(t, err)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("RT_TEST_TOKEN", "sekrit")
	path := writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:9900
  auth:
    tokens:
      - actor: ci
        token: ${RT_TEST_TOKEN}
        role: write
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.API.Auth.Tokens[0].Token)
}

func TestUnresolvedTokenEnvVarFails(t *testing.T) {
	path := writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:9900
  auth:
    tokens:
      - actor: ci
        token: ${RT_DEFINITELY_UNSET_VAR}
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad log level":  "service:\n  log_level: shout\n",
		"bad trust mode": "extensions:\n  trust: maybe\n",
		"zero capacity":  "queue:\n  capacity: -1\n",
		"zero timeout":   "runtime:\n  default_handler_timeout: -1s\n",
		"bad role":       "api:\n  enabled: true\n  listen: :1\n  auth:\n    tokens:\n      - token: t\n        role: root\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
