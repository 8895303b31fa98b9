package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccheshirecat/lambdo/internal/server/eventbus/memory"
	"github.com/ccheshirecat/lambdo/internal/server/images"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator"
	orchestratorevents "github.com/ccheshirecat/lambdo/internal/server/orchestrator/events"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/network"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/stub"
	"github.com/ccheshirecat/lambdo/internal/server/registry"
	"github.com/ccheshirecat/lambdo/internal/shared/logging"
)

type fixture struct {
	server  *httptest.Server
	backend *stub.Backend
	bus     *memory.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"vmlinux", "alpine", "initrd"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o644))
	}

	backend := stub.New()
	bus := memory.New()
	engine, err := orchestrator.New(orchestrator.Params{
		Registry: registry.New(registry.Settings{Bridge: "lambdo0", BridgeAddress: "192.168.10.1/24"}),
		Network:  network.NewMemory("eth0"),
		Backend:  backend,
		Images:   images.NewFolder(root, logging.Discard()),
		Bus:      bus,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))

	srv := httptest.NewServer(New(logging.Discard(), engine, bus))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, backend: backend, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStartAndDestroy(t *testing.T) {
	f := newFixture(t)
	body := `{
		"boot": {"kernel_image_path": "vmlinux", "initrd_path": "initrd", "boot_args": "console=ttyS0"},
		"disks": [{"id": "alpine", "is_readonly": false, "is_root_device": true}],
		"network": {"port_mapping": [[8080, 80], [8443, 443]]}
	}`
	resp, data := f.do(t, http.MethodPost, "/start", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var started startResponse
	require.NoError(t, json.Unmarshal(data, &started))
	assert.NotEmpty(t, started.ID)
	assert.Equal(t, [][2]int{{8080, 80}, {8443, 443}}, started.PortMapping)

	cfg := f.backend.Created()[0]
	assert.True(t, strings.HasPrefix(cfg.BootArgs, "console=ttyS0 ip=192.168.10.2::"))
	assert.True(t, strings.HasSuffix(cfg.InitrdPath, "initrd"))

	resp, data = f.do(t, http.MethodGet, "/vms/"+started.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var vm vmResponse
	require.NoError(t, json.Unmarshal(data, &vm))
	assert.Equal(t, "running", vm.Status)
	assert.Equal(t, "192.168.10.2", vm.IPAddress)
	require.Len(t, vm.Disks, 1)
	assert.True(t, vm.Disks[0].IsRootDevice)

	resp, data = f.do(t, http.MethodGet, "/ports", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ports":[8080,8443]}`, string(data))

	resp, _ = f.do(t, http.MethodDelete, "/destroy/"+started.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/destroy/"+started.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = f.do(t, http.MethodGet, "/vms", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(data))
}

func TestSpawn(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodPost, "/spawn", `{"rootfs": "alpine", "requestedPorts": [80, 22]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var started startResponse
	require.NoError(t, json.Unmarshal(data, &started))
	assert.Equal(t, [][2]int{{10000, 80}, {10001, 22}}, started.PortMapping)

	cfg := f.backend.Created()[0]
	require.Len(t, cfg.Disks, 1)
	assert.True(t, cfg.Disks[0].RootDevice)
	assert.False(t, cfg.Disks[0].ReadOnly)
	assert.True(t, strings.HasPrefix(cfg.BootArgs, orchestrator.DefaultBootArgs+" ip="))
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/start", `{"boot": {}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/start", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/start", `{"boot": {"kernel_image_path": "missing"}, "disks": [], "network": {}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/spawn", `{"rootfs": "../../etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ok := `{"boot": {"kernel_image_path": "vmlinux"}, "disks": [], "network": {"port_mapping": [[9000, 80]]}}`
	resp, _ = f.do(t, http.MethodPost, "/start", ok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data := f.do(t, http.MethodPost, "/start", ok)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(data), "already in use")
	assert.Len(t, f.backend.Created(), 1)
}

func TestGetUnknownVM(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/vms/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/events/vms", nil)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return f.bus.Subscribers(orchestratorevents.TopicVMEvents) == 1
	}, 2*time.Second, 10*time.Millisecond)

	startResp, _ := f.do(t, http.MethodPost, "/spawn", `{"rootfs": "alpine", "requestedPorts": []}`)
	require.Equal(t, http.StatusOK, startResp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+orchestratorevents.TypeVMRunning+"\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var evt orchestratorevents.VMEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
	assert.Equal(t, orchestratorevents.VMStatusRunning, evt.Status)
	assert.Equal(t, "192.168.10.2", evt.IPAddress)
}

func TestEventWebSocket(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.bus.Subscribers(orchestratorevents.TopicVMEvents) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, data := f.do(t, http.MethodPost, "/spawn", `{"rootfs": "alpine", "requestedPorts": [80]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started startResponse
	require.NoError(t, json.Unmarshal(data, &started))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt orchestratorevents.VMEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, orchestratorevents.TypeVMRunning, evt.Type)
	assert.Equal(t, started.ID, evt.ID)
	assert.Equal(t, [][2]int{{10000, 80}}, evt.PortMapping)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Setenv("LAMBDO_API_KEY", "secret")
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/vms", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/vms?api_key=secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/openapi", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		OpenAPI    string                    `json:"openapi"`
		Servers    []struct{ URL string }    `json:"servers"`
		Paths      map[string]map[string]any `json:"paths"`
		Components map[string]map[string]any `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	require.Len(t, doc.Servers, 1)
	assert.Equal(t, f.server.URL, doc.Servers[0].URL)

	for path, method := range map[string]string{
		"/start":        "post",
		"/spawn":        "post",
		"/destroy/{id}": "delete",
		"/vms":          "get",
		"/vms/{id}":     "get",
		"/ports":        "get",
		"/events/vms":   "get",
	} {
		require.Contains(t, doc.Paths, path)
		assert.Contains(t, doc.Paths[path], method, path)
	}
	assert.Contains(t, doc.Components["schemas"], "Error")
}

func TestOpenAPIPortPairSchema(t *testing.T) {
	doc, err := BuildOpenAPISpec("")
	require.NoError(t, err)
	assert.Empty(t, doc.Servers)

	op := doc.Paths.Find("/start").Post
	require.NotNil(t, op)
	body := op.RequestBody.Value.Content.Get("application/json").Schema
	require.NotNil(t, body)

	schema := body.Value
	network := schema.Properties["network"].Value
	mapping := network.Properties["port_mapping"].Value
	require.True(t, mapping.Type.Is("array"))
	pair := mapping.Items.Value
	require.True(t, pair.Type.Is("array"))
	assert.Equal(t, uint64(2), pair.MinItems)
	require.NotNil(t, pair.MaxItems)
	assert.Equal(t, uint64(2), *pair.MaxItems)
	assert.True(t, pair.Items.Value.Type.Is("integer"))
}
