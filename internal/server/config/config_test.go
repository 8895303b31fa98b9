package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
apiVersion: lambdo.io/v1alpha1
kind: Config
api:
  web_host: 127.0.0.1
  web_port: 3000
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "lambdo0", cfg.API.Bridge)
	assert.Equal(t, "192.168.10.1/24", cfg.API.BridgeAddress)
	assert.Equal(t, NetworkDriverNetlink, cfg.API.NetworkDriver)
	assert.Equal(t, BackendFirecracker, cfg.Backend.Kind)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "127.0.0.1:3000", cfg.ListenAddr())
	assert.Equal(t, "firecracker", cfg.BackendBinary())
}

func TestParseFullDocument(t *testing.T) {
	doc := `
apiVersion: lambdo.io/v1alpha1
kind: Config
api:
  web_host: 0.0.0.0
  web_port: 8080
  admin_listen: 127.0.0.1:9100
  bridge: br-test
  bridge_address: 10.20.0.1/28
  network_driver: memory
images:
  kind: url
  path: /tmp/cache
backend:
  kind: cloud-hypervisor
  timeout: 5s
  vcpus: 2
  memory_mb: 512
state:
  database_path: /tmp/lambdo.db
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "br-test", cfg.API.Bridge)
	assert.Equal(t, "10.20.0.1/28", cfg.API.BridgeAddress)
	assert.Equal(t, ImagesURL, cfg.Images.Kind)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 2, cfg.Backend.VCPUs)
	assert.Equal(t, "cloud-hypervisor", cfg.BackendBinary())
	assert.Equal(t, "/tmp/lambdo.db", cfg.State.DatabasePath)
}

func TestParseRejectsForeignDocuments(t *testing.T) {
	_, err := Parse([]byte("apiVersion: lambdo.io/v1alpha1\nkind: Other\napi: {web_host: a, web_port: 1}\n"))
	require.ErrorIs(t, err, ErrKindNotSupported)

	_, err = Parse([]byte("apiVersion: lambdo.io/v2\nkind: Config\napi: {web_host: a, web_port: 1}\n"))
	require.ErrorIs(t, err, ErrVersionNotSupported)
}

func TestParseRejectsLongBridgeName(t *testing.T) {
	doc := minimal + "  bridge: this-name-is-too-long\n"
	_, err := Parse([]byte(doc))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "api.bridge", verr.Field)
}

func TestParseRejectsInvalidCIDR(t *testing.T) {
	doc := minimal + "  bridge_address: 192.168.10.1\n"
	_, err := Parse([]byte(doc))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "api.bridge_address", verr.Field)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LAMBDO_BRIDGE", "br-env")
	t.Setenv("LAMBDO_WEB_PORT", "4000")
	t.Setenv("LAMBDO_BACKEND", "stub")
	t.Setenv("LAMBDO_BACKEND_TIMEOUT", "2s")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "br-env", cfg.API.Bridge)
	assert.Equal(t, 4000, cfg.API.WebPort)
	assert.Equal(t, BackendStub, cfg.Backend.Kind)
	assert.Equal(t, 2*time.Second, cfg.Backend.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.API.WebPort)
}
