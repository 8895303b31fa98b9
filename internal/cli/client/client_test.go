package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndSpawnRequests(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-Lambdo-API-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		_, _ = w.Write([]byte(`{"id":"abc","port_mapping":[[10000,80]]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	c.WithAPIKey("k")

	resp, err := c.Spawn(context.Background(), SpawnRequest{Rootfs: "alpine", RequestedPorts: []int{80}})
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.ID)
	assert.Equal(t, [][2]int{{10000, 80}}, resp.PortMapping)

	_, err = c.Start(context.Background(), StartRequest{Boot: BootOptions{KernelImagePath: "vmlinux"}})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, "alpine", bodies[0]["rootfs"])
	assert.Equal(t, []any{float64(80)}, bodies[0]["requestedPorts"])
	assert.Equal(t, []any{}, bodies[1]["disks"])
	boot := bodies[1]["boot"].(map[string]any)
	assert.Equal(t, "vmlinux", boot["kernel_image_path"])
	_, hasInitrd := boot["initrd_path"]
	assert.False(t, hasInitrd)
}

func TestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/destroy/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"orchestrator: vm not found: missing"}`))
		default:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"orchestrator: host port already in use: 8080"}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	err = c.Destroy(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.Start(context.Background(), StartRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 409")
	assert.Contains(t, err.Error(), "already in use")
}

func TestWatchVMEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 2; i++ {
			fmt.Fprintf(w, "event: VM_RUNNING\ndata: {\"type\":\"VM_RUNNING\",\"id\":\"vm-%d\",\"status\":\"running\",\"timestamp\":%q}\n\n", i, time.Now().UTC().Format(time.RFC3339))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	var ids []string
	err = c.WatchVMEvents(context.Background(), func(ev VMEvent) {
		ids = append(ids, ev.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-0", "vm-1"}, ids)
}
