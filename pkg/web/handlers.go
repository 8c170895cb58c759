// Package web provides HTTP handlers and REST API endpoints for workflow management.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/autoflow/pkg/connectors/webhook"
	"github.com/dukex/autoflow/pkg/engine"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const (
	HeaderEventID       = "X-Event-ID"
	HeaderWebhookSecret = "X-Webhook-Secret"
)

type APIHandlers struct {
	engine    *engine.Engine
	webhooks  *webhook.Connector
	validator *validator.Validate
}

func NewAPIHandlers(
	engine *engine.Engine,
	webhooks *webhook.Connector,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		webhooks:  webhooks,
		validator: validator,
	}
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	opts, err := parseListWorkflowsOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.engine.ListWorkflows(c.Context(), opts)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(newListWorkflowsResponse(result, opts))
}

// parseListWorkflowsOptions reads paging, filtering and sorting from the query string.
func parseListWorkflowsOptions(c fiber.Ctx) (persistence.ListWorkflowsOptions, error) {
	var opts persistence.ListWorkflowsOptions

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return opts, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return opts, err
		}

		opts.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		if !status.IsValid() {
			return opts, &invalidQueryError{param: "status", value: statusStr}
		}

		opts.Status = &status
	}

	opts.SortBy = c.Query("sort_by")
	opts.SortOrder = c.Query("sort_order")

	return opts.Normalize()
}

type invalidQueryError struct {
	param string
	value string
}

func (e *invalidQueryError) Error() string {
	return "invalid " + e.param + " " + strconv.Quote(e.value)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.engine.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req WorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.engine.RegisterWorkflow(c.Context(), req.Workflow())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req WorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.engine.UpdateWorkflow(c.Context(), c.Params("id"), req.Workflow())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	err := h.engine.DeleteWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	workflow, err := h.engine.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	workflow, err := h.engine.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetWorkflowRuns(c fiber.Ctx) error {
	id := c.Params("id")

	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}

		limit = parsed
	}

	runs, err := h.engine.ListHistory(c.Context(), id, limit)
	if err != nil {
		return handleEngineError(c, err)
	}

	if runs == nil {
		runs = []*models.Run{}
	}

	return c.JSON(RunHistoryResponse{WorkflowID: id, Runs: runs})
}

func (h *APIHandlers) GetWorkflowStats(c fiber.Ctx) error {
	stats, err := h.engine.GetStats(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.engine.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetConnectors(c fiber.Ctx) error {
	return c.JSON(h.engine.Registry().Connectors())
}

// ReceiveWebhook hands a POST body to the webhook connector. The event id
// comes from X-Event-ID when the caller sets one, so retried deliveries map to
// the run the first delivery started.
func (h *APIHandlers) ReceiveWebhook(c fiber.Ctx) error {
	workflowID := c.Params("workflowId")
	triggerKey := models.TriggerKey(workflowID, c.Params("nodeId"))

	payload := map[string]any{}

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	eventID := c.Get(HeaderEventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if name == HeaderWebhookSecret {
			return
		}

		headers[name] = string(value)
	})

	err := h.webhooks.Deliver(c.Context(), triggerKey, webhook.Delivery{
		EventID: eventID,
		Secret:  c.Get(HeaderWebhookSecret),
		Payload: payload,
		Headers: headers,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(WebhookAccepted{
		RunID:             workflow.RunID(triggerKey, eventID),
		EventID:           eventID,
		WorkflowTriggerID: triggerKey,
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	checkers := fiber.Map{}
	healthy := true

	if err := h.engine.Health(c.Context()); err != nil {
		checkers["store"] = err.Error()
		healthy = false
	} else {
		checkers["store"] = "ok"
	}

	for id, err := range h.engine.Registry().HealthCheck(c.Context()) {
		checkers["connector:"+id] = err.Error()
		healthy = false
	}

	status := "unhealthy"
	message := "Autoflow is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if healthy {
		status = "healthy"
		message = "Autoflow is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"checkers":  checkers,
		"timestamp": time.Now().UTC(),
	})
}
