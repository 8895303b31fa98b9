package httpapi

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"
	"github.com/gin-gonic/gin"

	orchestratorevents "github.com/ccheshirecat/lambdo/internal/server/orchestrator/events"
)

// serveOpenAPI returns an OpenAPI v3 JSON document generated from server types.
func (api *apiServer) serveOpenAPI(c *gin.Context) {
	baseURL := ""
	if r := c.Request; r.Host != "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, r.Host)
	}

	doc, err := BuildOpenAPISpec(baseURL)
	if err != nil {
		api.logger.Error("build openapi", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build openapi document"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// BuildOpenAPISpec describes the lambdod API. baseURL, when set, becomes the
// server URL.
func BuildOpenAPISpec(baseURL string) (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Lambdo REST API",
			Version:     "v1alpha1",
			Description: "Start, inspect and destroy microVMs on a single host.",
		},
		Servers:    openapi3.Servers{},
		Paths:      openapi3.NewPaths(),
		Components: &openapi3.Components{Schemas: openapi3.Schemas{}},
	}
	if baseURL != "" {
		doc.Servers = append(doc.Servers, &openapi3.Server{URL: baseURL})
	}

	gen := openapi3gen.NewGenerator(
		openapi3gen.CreateComponentSchemas(openapi3gen.ExportComponentSchemasOptions{
			ExportComponentSchemas: true,
			ExportTopLevelSchema:   false,
		}),
		openapi3gen.SchemaCustomizer(describePortPair),
	)
	schemaFor := func(name string, value any) (*openapi3.SchemaRef, error) {
		ref, err := gen.NewSchemaRefForValue(value, doc.Components.Schemas)
		if err != nil {
			return nil, fmt.Errorf("openapi: schema %s: %w", name, err)
		}
		return ref, nil
	}

	startReqRef, err := schemaFor("startRequest", &startRequest{})
	if err != nil {
		return nil, err
	}
	spawnReqRef, err := schemaFor("spawnRequest", &spawnRequest{})
	if err != nil {
		return nil, err
	}
	startRespRef, err := schemaFor("startResponse", &startResponse{})
	if err != nil {
		return nil, err
	}
	vmRespRef, err := schemaFor("vmResponse", &vmResponse{})
	if err != nil {
		return nil, err
	}
	vmEventRef, err := schemaFor("VMEvent", &orchestratorevents.VMEvent{})
	if err != nil {
		return nil, err
	}

	errorSchema := openapi3.NewSchemaRef("", &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: map[string]*openapi3.SchemaRef{
			"error": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		},
	})
	doc.Components.Schemas["Error"] = errorSchema

	newOp := func(id, summary, tag string) *openapi3.Operation {
		op := openapi3.NewOperation()
		op.OperationID = id
		op.Summary = summary
		op.Tags = []string{tag}
		op.Responses = openapi3.NewResponses()
		return op
	}
	withJSON := func(op *openapi3.Operation, status, desc string, schema *openapi3.SchemaRef) {
		resp := openapi3.NewResponse().WithDescription(desc)
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schema)
		op.Responses.Set(status, &openapi3.ResponseRef{Value: resp})
	}
	withErrors := func(op *openapi3.Operation, statuses map[string]string) {
		for status, desc := range statuses {
			withJSON(op, status, desc, errorSchema)
		}
	}
	startErrors := map[string]string{
		"400": "Malformed request or unknown image reference",
		"404": "Image not found",
		"409": "Host port already in use",
		"502": "Image checksum mismatch",
		"503": "No IP address or ephemeral port available",
		"500": "Internal error",
	}

	// /healthz
	health := newOp("getHealth", "Health check", "health")
	{
		schema := openapi3.NewObjectSchema()
		schema.Properties = map[string]*openapi3.SchemaRef{
			"status": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		}
		withJSON(health, "200", "Service is healthy", openapi3.NewSchemaRef("", schema))
	}
	doc.AddOperation("/healthz", http.MethodGet, health)

	// /start
	start := newOp("startVM", "Start a VM from kernel and disk images", "vm")
	start.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{Required: true, Content: openapi3.NewContentWithJSONSchemaRef(startReqRef)}}
	withJSON(start, "200", "VM running; host to guest port pairs", startRespRef)
	withErrors(start, startErrors)
	doc.AddOperation("/start", http.MethodPost, start)

	// /spawn
	spawn := newOp("spawnVM", "Start a VM from a rootfs with ephemeral host ports", "vm")
	spawn.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{Required: true, Content: openapi3.NewContentWithJSONSchemaRef(spawnReqRef)}}
	withJSON(spawn, "200", "VM running; host to guest port pairs", startRespRef)
	withErrors(spawn, startErrors)
	doc.AddOperation("/spawn", http.MethodPost, spawn)

	idParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{Name: "id", In: openapi3.ParameterInPath, Required: true, Schema: openapi3.NewSchemaRef("", openapi3.NewStringSchema())}}

	// /destroy/{id}
	destroy := newOp("destroyVM", "Stop a VM and release its resources", "vm")
	destroy.Parameters = openapi3.Parameters{idParam}
	destroy.Responses.Set("204", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Destroyed")})
	withErrors(destroy, map[string]string{"404": "Not found", "409": "VM already ended", "500": "Teardown failed"})
	doc.AddOperation("/destroy/{id}", http.MethodDelete, destroy)

	// /vms
	list := newOp("listVMs", "List running VMs", "vm")
	withJSON(list, "200", "Array of VMs", openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Items: vmRespRef}))
	doc.AddOperation("/vms", http.MethodGet, list)

	get := newOp("getVM", "Fetch a VM by id", "vm")
	get.Parameters = openapi3.Parameters{idParam}
	withJSON(get, "200", "VM", vmRespRef)
	withErrors(get, map[string]string{"404": "Not found"})
	doc.AddOperation("/vms/{id}", http.MethodGet, get)

	// /ports
	ports := newOp("listUsedPorts", "Host ports forwarded to VMs", "network")
	{
		schema := openapi3.NewObjectSchema()
		schema.Properties = map[string]*openapi3.SchemaRef{
			"ports": openapi3.NewSchemaRef("", openapi3.NewArraySchema().WithItems(openapi3.NewIntegerSchema())),
		}
		withJSON(ports, "200", "Used host ports in ascending order", openapi3.NewSchemaRef("", schema))
	}
	doc.AddOperation("/ports", http.MethodGet, ports)

	// /events/vms (SSE)
	events := newOp("streamVMEvents", "Stream VM lifecycle events (SSE)", "events")
	{
		desc := "SSE stream of VM events"
		resp := &openapi3.Response{Description: &desc, Content: openapi3.Content{"text/event-stream": {Schema: vmEventRef}}}
		events.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
	}
	withErrors(events, map[string]string{"503": "Event streaming not available"})
	doc.AddOperation("/events/vms", http.MethodGet, events)

	// /ws/events
	ws := newOp("websocketVMEvents", "Stream VM lifecycle events over a websocket", "events")
	ws.Responses.Set("101", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Switching protocols; each message is a VMEvent")})
	withErrors(ws, map[string]string{"503": "Event streaming not available"})
	doc.AddOperation("/ws/events", http.MethodGet, ws)

	return doc, nil
}

// describePortPair renders [2]int port pairs as fixed two-item integer arrays.
func describePortPair(_ string, t reflect.Type, _ reflect.StructTag, schema *openapi3.Schema) error {
	if t.Kind() != reflect.Array || t.Elem().Kind() != reflect.Int {
		return nil
	}
	n := uint64(t.Len())
	schema.Type = &openapi3.Types{openapi3.TypeArray}
	schema.Items = openapi3.NewSchemaRef("", openapi3.NewIntegerSchema())
	schema.MinItems = n
	schema.MaxItems = &n
	schema.Description = "[host, guest] port pair"
	return nil
}
