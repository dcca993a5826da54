// Package web provides the HTTP API for triggers, inbound webhooks and batch evaluations.
package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/prompthook/pkg/batch"
	"github.com/dukex/prompthook/pkg/intake"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/triggers"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	persistence  persistence.Persistence
	registry     *triggers.Registry
	email        *intake.EmailIntake
	integration  *intake.IntegrationIntake
	tester       *intake.Tester
	orchestrator *batch.Orchestrator
	validator    *validator.Validate
}

func NewAPIHandlers(
	p persistence.Persistence,
	registry *triggers.Registry,
	email *intake.EmailIntake,
	integration *intake.IntegrationIntake,
	tester *intake.Tester,
	orchestrator *batch.Orchestrator,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		persistence:  p,
		registry:     registry,
		email:        email,
		integration:  integration,
		tester:       tester,
		orchestrator: orchestrator,
		validator:    validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	repositoryCheck := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repositoryCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req triggers.CreateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	trigger, err := h.registry.CreateTrigger(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

func (h *APIHandlers) ListTriggers(c fiber.Ctx) error {
	workspaceID, err := int64Query(c, "workspace_id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	projectID, err := int64Query(c, "project_id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	commitID, err := int64Query(c, "commit_id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	documentUUID := c.Query("document_uuid")
	if documentUUID == "" {
		return badRequest(c, "document_uuid is required")
	}

	list, err := h.registry.ListTriggers(c.Context(), persistence.TriggerFilter{
		WorkspaceID:  workspaceID,
		ProjectID:    projectID,
		DocumentUUID: documentUUID,
		CommitID:     commitID,
		Kind:         models.TriggerKind(c.Query("kind")),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TriggerListResponse{Triggers: list})
}

func (h *APIHandlers) GetTrigger(c fiber.Ctx) error {
	workspaceID, commitID, err := workspaceAndCommit(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.registry.GetTrigger(c.Context(), workspaceID, c.Params("uuid"), commitID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) UpdateTrigger(c fiber.Ctx) error {
	var req UpdateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.registry.UpdateTrigger(c.Context(), triggers.UpdateTriggerRequest{
		WorkspaceID:   req.WorkspaceID,
		TriggerUUID:   c.Params("uuid"),
		CommitID:      req.CommitID,
		Configuration: req.Configuration,
		Deferred:      req.Deferred,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	workspaceID, commitID, err := workspaceAndCommit(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.registry.DeleteTrigger(c.Context(), workspaceID, c.Params("uuid"), commitID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteDocumentTriggers removes every trigger of a document being deleted from a draft.
func (h *APIHandlers) DeleteDocumentTriggers(c fiber.Ctx) error {
	workspaceID, commitID, err := workspaceAndCommit(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	projectID, err := int64Query(c, "project_id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	removed, err := h.registry.DeleteTriggersForDocument(c.Context(), models.DocumentScope{
		WorkspaceID:  workspaceID,
		ProjectID:    projectID,
		DocumentUUID: c.Params("documentUuid"),
	}, commitID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DocumentTriggersDeletedResponse{Removed: removed})
}

// TestTrigger records an event by hand and reports filter rejections as 400 problems.
func (h *APIHandlers) TestTrigger(c fiber.Ctx) error {
	var req TestTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event, err := h.tester.TestTrigger(c.Context(), req.WorkspaceID, c.Params("uuid"), req.CommitID, req.Occurrence)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(event)
}

// ReceiveEmail accepts an inbound email. Unresolvable recipients and rejected senders
// are reported in the result, not as errors, so the mail provider does not retry them.
func (h *APIHandlers) ReceiveEmail(c fiber.Ctx) error {
	var email intake.Email
	if err := c.Bind().JSON(&email); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	result, err := h.email.Receive(c.Context(), email)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) ReceiveIntegrationPayload(c fiber.Ctx) error {
	workspaceID, err := strconv.ParseInt(c.Params("workspaceId"), 10, 64)
	if err != nil {
		return notFound(c, "Unknown workspace")
	}

	data := map[string]any{}
	if err := c.Bind().JSON(&data); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	result, err := h.integration.Receive(c.Context(), workspaceID, c.Params("triggerUuid"), data)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) CreateBatch(c fiber.Ctx) error {
	var req batch.Request
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	batchID, err := h.orchestrator.Start(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(BatchCreatedResponse{BatchID: batchID})
}

func (h *APIHandlers) GetBatch(c fiber.Ctx) error {
	batchID := c.Params("id")

	progress, found, err := h.orchestrator.Progress(c.Context(), batchID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if !found {
		return notFound(c, "Batch not found or expired")
	}

	return c.JSON(BatchResponse{BatchID: batchID, Progress: progress, Finished: progress.IsFinished()})
}

func workspaceAndCommit(c fiber.Ctx) (int64, int64, error) {
	workspaceID, err := int64Query(c, "workspace_id")
	if err != nil {
		return 0, 0, err
	}

	commitID, err := int64Query(c, "commit_id")
	if err != nil {
		return 0, 0, err
	}

	return workspaceID, commitID, nil
}

func int64Query(c fiber.Ctx, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}

	return value, nil
}
