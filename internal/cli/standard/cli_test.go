package standard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccheshirecat/lambdo/internal/cli/client"
)

func TestParsePortPair(t *testing.T) {
	pair, err := parsePortPair("8080:80")
	require.NoError(t, err)
	assert.Equal(t, [2]int{8080, 80}, pair)

	for _, raw := range []string{"8080", "a:80", "8080:0", "70000:80"} {
		_, err := parsePortPair(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseDisk(t *testing.T) {
	disk, err := parseDisk("alpine:ro:root")
	require.NoError(t, err)
	assert.Equal(t, client.DiskOptions{ID: "alpine", IsReadonly: true, IsRootDevice: true}, disk)

	disk, err = parseDisk("data")
	require.NoError(t, err)
	assert.Equal(t, client.DiskOptions{ID: "data"}, disk)

	_, err = parseDisk(":ro")
	assert.Error(t, err)
	_, err = parseDisk("data:rw")
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStartCommandBuildsRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/start", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Lambdo-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"vm-1","port_mapping":[[8080,80]]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--api", srv.URL, "--api-key", "secret", "start",
		"--kernel", "vmlinux", "--disk", "alpine:root", "-p", "8080:80", "--boot-args", "console=ttyS0")
	require.NoError(t, err)
	assert.Contains(t, out, "VM vm-1 started")
	assert.Contains(t, out, "host 8080 -> guest 80")

	boot := got["boot"].(map[string]any)
	assert.Equal(t, "vmlinux", boot["kernel_image_path"])
	assert.Equal(t, "console=ttyS0", boot["boot_args"])
	disks := got["disks"].([]any)
	require.Len(t, disks, 1)
	assert.Equal(t, true, disks[0].(map[string]any)["is_root_device"])
	network := got["network"].(map[string]any)
	assert.Equal(t, []any{[]any{float64(8080), float64(80)}}, network["port_mapping"])
}

func TestSpawnAndDestroyCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spawn":
			var body client.SpawnRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alpine", body.Rootfs)
			assert.Equal(t, []int{80, 443}, body.RequestedPorts)
			_, _ = w.Write([]byte(`{"id":"vm-2","port_mapping":[[10000,80],[10001,443]]}`))
		case "/destroy/vm-2":
			w.WriteHeader(http.StatusNoContent)
		case "/destroy/nope":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"vm not found"}`))
		}
	}))
	defer srv.Close()

	out, err := execute(t, "--api", srv.URL, "spawn", "--rootfs", "alpine", "-p", "80", "-p", "443", "--json")
	require.NoError(t, err)
	var resp client.StartResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, [][2]int{{10000, 80}, {10001, 443}}, resp.PortMapping)

	out, err = execute(t, "--api", srv.URL, "destroy", "vm-2")
	require.NoError(t, err)
	assert.Contains(t, out, "VM vm-2 destroyed")

	_, err = execute(t, "--api", srv.URL, "destroy", "nope")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestVMsListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vms", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"vm-1","status":"running","ip_address":"192.168.10.2","tap_device":"tap0","port_mapping":[[8080,80]],"kernel_path":"/k","boot_args":"x","disks":[],"created_at":"2025-01-01T00:00:00Z"}]`))
	}))
	defer srv.Close()

	out, err := execute(t, "--api", srv.URL, "vms", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "vm-1")
	assert.Contains(t, out, "8080->80")
}

func TestStartRequiresKernel(t *testing.T) {
	_, err := execute(t, "--api", "http://127.0.0.1:1", "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--kernel")
}
