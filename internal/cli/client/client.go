package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	orchestratorevents "github.com/ccheshirecat/lambdo/internal/server/orchestrator/events"
)

// DefaultBaseURL matches the daemon's default listener.
const DefaultBaseURL = "http://127.0.0.1:3000"

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("client: not found")

// Client wraps REST access to the lambdod API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:3000).
func New(rawURL string) (*Client, error) {
	if rawURL == "" {
		rawURL = DefaultBaseURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			// Start requests block until the VM is running.
			Timeout: 2 * time.Minute,
		},
	}, nil
}

// WithAPIKey sets the shared secret sent with every request.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// VM represents the API response for a microVM.
type VM struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	IPAddress   string    `json:"ip_address"`
	TapDevice   string    `json:"tap_device"`
	PID         int       `json:"pid,omitempty"`
	PortMapping [][2]int  `json:"port_mapping"`
	KernelPath  string    `json:"kernel_path"`
	InitrdPath  string    `json:"initrd_path,omitempty"`
	BootArgs    string    `json:"boot_args"`
	Disks       []VMDisk  `json:"disks"`
	CreatedAt   time.Time `json:"created_at"`
}

// VMDisk is a disk attached to a running VM.
type VMDisk struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	IsReadonly   bool   `json:"is_readonly"`
	IsRootDevice bool   `json:"is_root_device"`
}

// StartRequest is the body of POST /start.
type StartRequest struct {
	Boot    BootOptions    `json:"boot"`
	Disks   []DiskOptions  `json:"disks"`
	Network NetworkOptions `json:"network"`
}

// BootOptions names the kernel and optional initrd images.
type BootOptions struct {
	KernelImagePath string  `json:"kernel_image_path"`
	InitrdPath      *string `json:"initrd_path,omitempty"`
	BootArgs        *string `json:"boot_args,omitempty"`
}

// DiskOptions names a disk image.
type DiskOptions struct {
	ID           string `json:"id"`
	Location     string `json:"location,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	IsReadonly   bool   `json:"is_readonly"`
	IsRootDevice bool   `json:"is_root_device"`
}

// NetworkOptions lists host to guest port forwards.
type NetworkOptions struct {
	PortMapping [][2]int `json:"port_mapping"`
}

// SpawnRequest is the body of POST /spawn.
type SpawnRequest struct {
	Rootfs         string `json:"rootfs"`
	RequestedPorts []int  `json:"requestedPorts"`
}

// StartResponse is returned by start and spawn.
type StartResponse struct {
	ID          string   `json:"id"`
	PortMapping [][2]int `json:"port_mapping"`
}

// VMEvent represents a lifecycle event streamed from the server.
type VMEvent = orchestratorevents.VMEvent

func (c *Client) Start(ctx context.Context, payload StartRequest) (*StartResponse, error) {
	if payload.Disks == nil {
		payload.Disks = []DiskOptions{}
	}
	return c.start(ctx, "/start", payload)
}

func (c *Client) Spawn(ctx context.Context, payload SpawnRequest) (*StartResponse, error) {
	if payload.RequestedPorts == nil {
		payload.RequestedPorts = []int{}
	}
	return c.start(ctx, "/spawn", payload)
}

func (c *Client) start(ctx context.Context, path string, payload any) (*StartResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	var resp StartResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Destroy(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/destroy/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) ListVMs(ctx context.Context) ([]VM, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/vms", nil)
	if err != nil {
		return nil, err
	}
	var vms []VM
	if err := c.do(req, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

func (c *Client) GetVM(ctx context.Context, id string) (*VM, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/vms/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var vm VM
	if err := c.do(req, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// UsedPorts returns the host ports currently forwarded to VMs.
func (c *Client) UsedPorts(ctx context.Context) ([]int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/ports", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Ports []int `json:"ports"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return body.Ports, nil
}

// WatchVMEvents streams VM lifecycle events and invokes handler for each payload until
// the context is cancelled or the server closes the connection.
func (c *Client) WatchVMEvents(ctx context.Context, handler func(VMEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events/vms", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the request timeout of the regular client.
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("client: watch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: watch events http %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event VMEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("client: decode event: %w", err)
		}
		if handler != nil {
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("client: event stream error: %w", err)
		}
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	resolved := c.baseURL.ResolveReference(&url.URL{Path: path})
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Lambdo-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr)
		msg, _ := apiErr["error"].(string)
		switch {
		case resp.StatusCode == http.StatusNotFound && msg != "":
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case decodeErr == nil && msg != "":
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		default:
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
