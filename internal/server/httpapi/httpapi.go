package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/lambdo/internal/server/eventbus"
	"github.com/ccheshirecat/lambdo/internal/server/images"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator"
	orchestratorevents "github.com/ccheshirecat/lambdo/internal/server/orchestrator/events"
	"github.com/ccheshirecat/lambdo/internal/server/registry"
)

// APIKeyHeader carries the shared secret when LAMBDO_API_KEY is set.
const APIKeyHeader = "X-Lambdo-API-Key"

// New constructs the HTTP API router backed by the orchestrator engine. bus
// may be nil, in which case the event streams answer 503.
func New(logger *slog.Logger, engine orchestrator.Engine, bus eventbus.Subscriber) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	if cidr := os.Getenv("LAMBDO_API_ALLOW_CIDR"); cidr != "" {
		r.Use(ipFilterMiddleware(logger, strings.Split(cidr, ",")))
	}
	if apiKey := os.Getenv("LAMBDO_API_KEY"); apiKey != "" {
		r.Use(apiKeyMiddleware(apiKey))
	}

	api := &apiServer{logger: logger, engine: engine, bus: bus}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/openapi", api.serveOpenAPI)

	r.POST("/start", api.start)
	r.POST("/spawn", api.spawn)
	r.DELETE("/destroy/:id", api.destroy)

	r.GET("/vms", api.listVMs)
	r.GET("/vms/:id", api.getVM)
	r.GET("/ports", api.usedPorts)

	r.GET("/events/vms", api.streamVMEvents)
	r.GET("/ws/events", api.eventsWebSocket)

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func ipFilterMiddleware(logger *slog.Logger, cidrs []string) gin.HandlerFunc {
	var networks []*net.IPNet
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			logger.Warn("invalid CIDR", "cidr", raw, "error", err)
			continue
		}
		networks = append(networks, network)
	}
	if len(networks) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid client IP"})
			return
		}
		for _, network := range networks {
			if network.Contains(ip) {
				c.Next()
				return
			}
		}
		logger.Warn("request blocked by CIDR filter", "ip", ip.String())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		provided := c.GetHeader(APIKeyHeader)
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type apiServer struct {
	logger *slog.Logger
	engine orchestrator.Engine
	bus    eventbus.Subscriber
}

type bootRequest struct {
	KernelImagePath string  `json:"kernel_image_path" binding:"required"`
	InitrdPath      *string `json:"initrd_path,omitempty"`
	BootArgs        *string `json:"boot_args,omitempty"`
}

type diskRequest struct {
	ID           string `json:"id" binding:"required"`
	Location     string `json:"location,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	IsReadonly   bool   `json:"is_readonly"`
	IsRootDevice bool   `json:"is_root_device"`
}

type networkRequest struct {
	PortMapping [][2]int `json:"port_mapping"`
}

type startRequest struct {
	Boot    bootRequest    `json:"boot"`
	Disks   []diskRequest  `json:"disks" binding:"dive"`
	Network networkRequest `json:"network"`
}

type spawnRequest struct {
	Rootfs         string `json:"rootfs" binding:"required"`
	RequestedPorts []int  `json:"requestedPorts"`
}

type startResponse struct {
	ID          string   `json:"id"`
	PortMapping [][2]int `json:"port_mapping"`
}

type vmResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	IPAddress   string    `json:"ip_address"`
	TapDevice   string    `json:"tap_device"`
	PID         int       `json:"pid,omitempty"`
	PortMapping [][2]int  `json:"port_mapping"`
	KernelPath  string    `json:"kernel_path"`
	InitrdPath  string    `json:"initrd_path,omitempty"`
	BootArgs    string    `json:"boot_args"`
	Disks       []vmDisk  `json:"disks"`
	CreatedAt   time.Time `json:"created_at"`
}

type vmDisk struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	IsReadonly   bool   `json:"is_readonly"`
	IsRootDevice bool   `json:"is_root_device"`
}

func vmToResponse(vm registry.VM) vmResponse {
	resp := vmResponse{
		ID:          vm.ID,
		Status:      string(vm.Status),
		TapDevice:   vm.TapDevice,
		PID:         vm.PID,
		PortMapping: pairs(vm.PortMapping),
		KernelPath:  vm.Boot.KernelPath,
		InitrdPath:  vm.Boot.InitrdPath,
		BootArgs:    vm.Boot.BootArgs,
		Disks:       make([]vmDisk, 0, len(vm.Disks)),
		CreatedAt:   vm.CreatedAt,
	}
	if vm.IP != nil {
		resp.IPAddress = vm.IP.String()
	}
	for _, d := range vm.Disks {
		resp.Disks = append(resp.Disks, vmDisk{ID: d.ID, Path: d.Path, IsReadonly: d.ReadOnly, IsRootDevice: d.RootDevice})
	}
	return resp
}

func pairs(mapping map[int]int) [][2]int {
	out := make([][2]int, 0, len(mapping))
	for _, p := range orchestrator.SortedPairs(mapping) {
		out = append(out, [2]int{p.Host, p.Guest})
	}
	return out
}

func (api *apiServer) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	launch := orchestrator.LaunchRequest{
		Kernel: images.Manifest{ID: req.Boot.KernelImagePath},
	}
	if req.Boot.InitrdPath != nil {
		launch.Initrd = &images.Manifest{ID: *req.Boot.InitrdPath}
	}
	if req.Boot.BootArgs != nil {
		launch.BootArgs = *req.Boot.BootArgs
	}
	for _, d := range req.Disks {
		launch.Disks = append(launch.Disks, orchestrator.DiskRequest{
			Image:      images.Manifest{ID: d.ID, Location: d.Location, Checksum: d.Checksum},
			ReadOnly:   d.IsReadonly,
			RootDevice: d.IsRootDevice,
		})
	}
	for _, pm := range req.Network.PortMapping {
		launch.Ports = append(launch.Ports, orchestrator.PortPair{Host: pm[0], Guest: pm[1]})
	}

	id, err := api.engine.Launch(c.Request.Context(), launch)
	if err != nil {
		api.fail(c, "start vm", err)
		return
	}
	api.respondStarted(c, id)
}

func (api *apiServer) spawn(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := api.engine.Spawn(c.Request.Context(), orchestrator.SpawnRequest{
		Rootfs:     images.Manifest{ID: req.Rootfs},
		GuestPorts: req.RequestedPorts,
	})
	if err != nil {
		api.fail(c, "spawn vm", err)
		return
	}
	api.respondStarted(c, id)
}

// respondStarted answers with the id and current mapping. A VM that stopped
// in the meantime is reported with an empty mapping.
func (api *apiServer) respondStarted(c *gin.Context, id string) {
	mapping, _ := api.engine.PortMapping(c.Request.Context(), id)
	api.logger.Info("vm started", "vm", id)
	c.JSON(http.StatusOK, startResponse{ID: id, PortMapping: pairs(mapping)})
}

func (api *apiServer) destroy(c *gin.Context) {
	id := c.Param("id")
	if err := api.engine.StopVM(c.Request.Context(), id); err != nil {
		api.fail(c, "destroy vm", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *apiServer) listVMs(c *gin.Context) {
	vms := api.engine.ListVMs(c.Request.Context())
	resp := make([]vmResponse, 0, len(vms))
	for _, vm := range vms {
		resp = append(resp, vmToResponse(vm))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getVM(c *gin.Context) {
	vm, ok := api.engine.GetVM(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "vm not found"})
		return
	}
	c.JSON(http.StatusOK, vmToResponse(vm))
}

func (api *apiServer) usedPorts(c *gin.Context) {
	ports := api.engine.UsedPorts(c.Request.Context())
	if ports == nil {
		ports = []int{}
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

func (api *apiServer) fail(c *gin.Context, action string, err error) {
	status := statusFromError(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error(action, "error", err)
	} else {
		api.logger.Warn(action, "error", err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrVMNotFound), errors.Is(err, images.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, images.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrPortInUse), errors.Is(err, orchestrator.ErrVMAlreadyEnded):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoIPAvailable),
		errors.Is(err, orchestrator.ErrPortsExhausted),
		errors.Is(err, orchestrator.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, images.ErrChecksumMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (api *apiServer) subscribe(c *gin.Context) (<-chan any, func(), bool) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return nil, nil, false
	}
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.bus.Subscribe(orchestratorevents.TopicVMEvents, eventsCh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return nil, nil, false
	}
	return eventsCh, unsubscribe, true
}

func (api *apiServer) streamVMEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	eventsCh, unsubscribe, ok := api.subscribe(c)
	if !ok {
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			vmEvent, ok := payload.(orchestratorevents.VMEvent)
			if !ok {
				continue
			}
			data, err := json.Marshal(vmEvent)
			if err != nil {
				api.logger.Error("marshal vm event", "error", err)
				continue
			}
			if _, err := c.Writer.Write([]byte("event: " + vmEvent.Type + "\n")); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// eventsWebSocket pushes VM events as JSON text frames until the client
// goes away.
func (api *apiServer) eventsWebSocket(c *gin.Context) {
	eventsCh, unsubscribe, ok := api.subscribe(c)
	if !ok {
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("events ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			vmEvent, ok := payload.(orchestratorevents.VMEvent)
			if !ok {
				continue
			}
			if err := conn.WriteJSON(vmEvent); err != nil {
				return
			}
		}
	}
}
