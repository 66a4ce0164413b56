// Package web provides the REST API of flowgraph.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/schema"
	"github.com/dukex/flowgraph/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	OrganizationHeader = "X-Organization-ID"
	ActorHeader        = "X-Actor-ID"
)

type APIHandlers struct {
	workflowService  *services.Workflow
	graphService     *services.Graph
	executionService *services.Execution
	validator        *validator.Validate
	registry         *schema.Registry
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	graphService *services.Graph,
	executionService *services.Execution,
	validator *validator.Validate,
	registry *schema.Registry,
) *APIHandlers {
	return &APIHandlers{
		workflowService:  workflowService,
		graphService:     graphService,
		executionService: executionService,
		validator:        validator,
		registry:         registry,
	}
}

// Register mounts every route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	router.Get("/node-types", h.GetNodeTypes)
	router.Get("/node-types/:type", h.GetNodeType)

	workflows := router.Group("/workflows")
	workflows.Get("/", h.GetWorkflows)
	workflows.Post("/", h.CreateWorkflow)
	workflows.Get("/:id", h.GetWorkflow)
	workflows.Patch("/:id", h.UpdateWorkflow)
	workflows.Delete("/:id", h.DeleteWorkflow)
	workflows.Post("/:id/publish", h.PublishWorkflow)
	workflows.Post("/:id/archive", h.ArchiveWorkflow)
	workflows.Get("/:id/graph", h.GetGraph)
	workflows.Put("/:id/graph", h.SyncGraph)
	workflows.Post("/:id/executions", h.RunWorkflow)
	workflows.Get("/:id/executions", h.GetExecutions)

	executions := router.Group("/executions")
	executions.Get("/:id", h.GetExecution)
	executions.Post("/:id/cancel", h.CancelExecution)
	executions.Post("/:id/approvals", h.ApproveExecution)
}

// caller reads the organization and actor headers. The organization is mandatory.
func caller(c fiber.Ctx) (services.Caller, bool) {
	organizationID := c.Get(OrganizationHeader)
	if organizationID == "" {
		return services.Caller{}, false
	}

	return services.Caller{OrganizationID: organizationID, Actor: c.Get(ActorHeader)}, true
}

func missingOrganization(c fiber.Ctx) error {
	return badRequest(c, OrganizationHeader+" header is required")
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "flowgraph API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "flowgraph API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	types := h.registry.Types()
	response := make([]NodeTypeResponse, 0, len(types))

	for _, t := range types {
		s, _ := h.registry.Schema(t)
		response = append(response, NodeTypeResponse{Type: t, RequiresConfig: h.registry.RequiresConfig(t), Schema: s})
	}

	return c.JSON(response)
}

func (h *APIHandlers) GetNodeType(c fiber.Ctx) error {
	t := models.NodeType(c.Params("type"))

	s, ok := h.registry.Schema(t)
	if !ok {
		return notFound(c, "Unknown node type "+string(t))
	}

	return c.JSON(NodeTypeResponse{Type: t, RequiresConfig: h.registry.RequiresConfig(t), Schema: s})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	req, err := parseListWorkflowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.workflowService.List(c.Context(), who, *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":     result.Workflows,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

func parseListWorkflowsRequest(c fiber.Ctx) (*services.ListWorkflowsRequest, error) {
	req := &services.ListWorkflowsRequest{}

	limit, offset, err := parsePagination(c)
	if err != nil {
		return nil, err
	}

	req.Limit = limit
	req.Offset = offset

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		req.Status = &status
	}

	req.NameContains = c.Query("name")
	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func parsePagination(c fiber.Ctx) (int, int, error) {
	var limit, offset int

	if limitStr := c.Query("limit"); limitStr != "" {
		value, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = value
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		value, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = value
	}

	return limit, offset, nil
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	workflow, err := h.workflowService.FetchByID(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), who, services.CreateWorkflowRequest{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.workflowService.Update(c.Context(), who, c.Params("id"), services.UpdateWorkflowRequest{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	err := h.workflowService.Delete(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PublishWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	published, err := h.workflowService.Publish(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	archived, err := h.workflowService.Archive(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(archived)
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	graph, err := h.graphService.Fetch(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) SyncGraph(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	var req SyncGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	graph, err := h.graphService.Sync(c.Context(), who, c.Params("id"), services.SyncRequest{
		Nodes:       req.Nodes,
		Connections: req.Connections,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	var req RunWorkflowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	execution, err := h.executionService.Run(c.Context(), who, c.Params("id"), req.Data)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(execution)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	limit, offset, err := parsePagination(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	executions, err := h.executionService.List(c.Context(), who, c.Params("id"), limit, offset)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	execution, err := h.executionService.Get(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	err := h.executionService.Cancel(c.Context(), who, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ApproveExecution(c fiber.Ctx) error {
	who, ok := caller(c)
	if !ok {
		return missingOrganization(c)
	}

	var req ApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.executionService.Approve(c.Context(), who, c.Params("id"), engine.Decision{
		NodeID:   req.NodeID,
		Approved: *req.Approved,
		Comment:  req.Comment,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}
