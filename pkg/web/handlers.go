// Package web provides the HTTP surface of the orchestration server: user
// registration, workflow creation and signals, client callbacks, and
// operator interventions. Every handler delegates to the engine; no
// state-machine logic lives here.
package web

import (
	"log/slog"
	"net/http"

	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type Handlers struct {
	logger   *slog.Logger
	server   *engine.Server
	store    persistence.Persistence
	validate *validator.Validate
}

func NewHandlers(logger *slog.Logger, server *engine.Server, store persistence.Persistence) *Handlers {
	return &Handlers{
		logger:   logger.With("module", "web"),
		server:   server,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handlers) CreateUser(c fiber.Ctx) error {
	var req CreateUserRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = h.validate.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	user := models.NewUser(req.toAttrs())

	err = h.store.Users().Create(c.Context(), user)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(user)
}

func (h *Handlers) GetUser(c fiber.Ctx) error {
	user, err := h.store.Users().UserByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(user)
}

func (h *Handlers) RotateUserEndpoints(c fiber.Ctx) error {
	var req CreateUserRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = h.validate.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	err = h.store.Users().RotateEndpoints(c.Context(), c.Params("id"), req.toAttrs())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// CreateWorkflow is idempotent on the (user, name, decider, subject)
// quadruple: resubmitting returns the existing workflow with 200.
func (h *Handlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = h.validate.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	user, err := h.store.Users().UserByID(c.Context(), req.UserID)
	if err != nil {
		return handleEngineError(c, err)
	}

	existing, findErr := h.store.Workflows().FindByUniqueness(c.Context(), user.ID, req.Name, req.Decider, req.Subject)
	if findErr == nil {
		return c.JSON(existing)
	}

	workflow, err := h.server.CreateWorkflow(c.Context(), user, models.WorkflowAttrs{
		Name:    req.Name,
		Decider: req.Decider,
		Subject: req.Subject,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *Handlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.store.Workflows().WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(workflow)
}

func (h *Handlers) GetWorkflowNodes(c fiber.Ctx) error {
	workflow, err := h.store.Workflows().WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	nodes, err := h.store.Nodes().Children(c.Context(), workflow.Ref())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"nodes": nodes})
}

// Signal appends a root-level node to the workflow and wakes its tree.
func (h *Handlers) Signal(c fiber.Ctx) error {
	workflow, err := h.store.Workflows().WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	attrs, err := h.bindNodeRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	user, err := h.store.Users().UserByID(c.Context(), workflow.UserID)
	if err != nil {
		return handleEngineError(c, err)
	}

	node, err := h.server.Signal(c.Context(), workflow.ID, user, attrs)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(node)
}

func (h *Handlers) PauseWorkflow(c fiber.Ctx) error {
	err := h.server.PauseWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) ResumeWorkflow(c fiber.Ctx) error {
	err := h.server.ResumeWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) GetNode(c fiber.Ctx) error {
	node, err := h.store.Nodes().NodeByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(node)
}

func (h *Handlers) GetNodeStatusChanges(c fiber.Ctx) error {
	_, err := h.store.Nodes().NodeByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	changes, err := h.store.Nodes().StatusChanges(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"status_changes": changes})
}

// CreateChildNode lets the client attach children under a dispatched node
// before reporting completion.
func (h *Handlers) CreateChildNode(c fiber.Ctx) error {
	parent, err := h.store.Nodes().NodeByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	attrs, err := h.bindNodeRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	user, err := h.store.Users().UserByID(c.Context(), parent.UserID)
	if err != nil {
		return handleEngineError(c, err)
	}

	node, err := h.server.AddNode(c.Context(), user, parent.Ref(), attrs)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(node)
}

// UpdateNodeStatus is the client callback: processing, complete, or
// errored. Invalid transitions surface as 409 so the client can tell a
// stale callback from a broken one.
func (h *Handlers) UpdateNodeStatus(c fiber.Ctx) error {
	var raw map[string]any

	err := c.Bind().JSON(&raw)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = validateStatusUpdate(raw)
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req NodeStatusUpdateRequest

	err = c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	node, err := h.store.Nodes().NodeByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	event := map[string]engine.Event{
		"processing": engine.EventClientProcessing,
		"complete":   engine.EventClientComplete,
		"errored":    engine.EventClientError,
	}[req.Status]

	err = h.server.Process(c.Context(), event, node.Ref(), engine.WithResponse(req.Response))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Operator interventions. Each is a plain event against the node.

func (h *Handlers) RetryNode(c fiber.Ctx) error {
	return h.fireNodeEvent(c, engine.EventRetryNode)
}

func (h *Handlers) ResetNode(c fiber.Ctx) error {
	return h.fireNodeEvent(c, engine.EventResetNode)
}

func (h *Handlers) CancelNode(c fiber.Ctx) error {
	return h.fireNodeEvent(c, engine.EventCancelNode)
}

func (h *Handlers) DeactivatePreviousNodes(c fiber.Ctx) error {
	return h.fireNodeEvent(c, engine.EventDeactivatePreviousNodes)
}

func (h *Handlers) fireNodeEvent(c fiber.Ctx, event engine.Event) error {
	node, err := h.store.Nodes().NodeByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	err = h.server.Process(c.Context(), event, node.Ref())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	err := h.store.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError

		h.logger.ErrorContext(c.Context(), "Health check failed", "error", err)
	}

	return c.Status(httpStatus).JSON(fiber.Map{"status": status})
}

func (h *Handlers) bindNodeRequest(c fiber.Ctx) (models.NodeAttrs, error) {
	var req CreateNodeRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return models.NodeAttrs{}, err
	}

	err = h.validate.Struct(req)
	if err != nil {
		return models.NodeAttrs{}, err
	}

	return req.toAttrs(), nil
}
