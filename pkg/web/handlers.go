package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// EventTracker accepts inbound events for asynchronous processing.
type EventTracker interface {
	TrackEvent(ctx context.Context, event *models.TriggerEvent) error
	Backlog(ctx context.Context) (int, error)
}

type APIHandlers struct {
	triggerService    *services.Trigger
	automationService *services.Automation
	executionService  *services.Execution
	tracker           EventTracker
	validator         *validator.Validate
}

func NewAPIHandlers(
	triggerService *services.Trigger,
	automationService *services.Automation,
	executionService *services.Execution,
	tracker EventTracker,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		triggerService:    triggerService,
		automationService: automationService,
		executionService:  executionService,
		tracker:           tracker,
		validator:         validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.triggerService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Nurture API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Nurture API is healthy"
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

func (h *APIHandlers) TrackEvent(c fiber.Ctx) error {
	var req TrackEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := &models.TriggerEvent{
		Type:      req.Type,
		SubjectID: req.SubjectID,
		Payload:   req.Payload,
		Source:    req.Source,
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}

	if err := h.tracker.TrackEvent(c.Context(), event); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(TrackEventResponse{
		ID:        event.ID,
		Timestamp: event.Timestamp,
	})
}

func (h *APIHandlers) GetStats(c fiber.Ctx) error {
	backlog, err := h.tracker.Backlog(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"engine":  h.executionService.Stats(),
		"backlog": backlog,
	})
}

func (h *APIHandlers) GetTriggers(c fiber.Ctx) error {
	triggers, err := h.triggerService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"triggers":    triggers,
		"total_count": len(triggers),
	})
}

func (h *APIHandlers) GetTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	trigger, err := h.triggerService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req CreateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger := &models.Trigger{
		Type:            req.Type,
		Name:            req.Name,
		EventType:       req.EventType,
		Conditions:      req.Conditions,
		Active:          boolOr(req.Active, true),
		CooldownMinutes: req.CooldownMinutes,
		Behavior:        req.Behavior,
		Schedule:        req.Schedule,
	}

	created, err := h.triggerService.Create(c.Context(), trigger)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	var req UpdateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.triggerService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		trigger.Name = *req.Name
	}

	if req.EventType != nil {
		trigger.EventType = *req.EventType
	}

	if req.Conditions != nil {
		trigger.Conditions = req.Conditions
	}

	if req.CooldownMinutes != nil {
		trigger.CooldownMinutes = *req.CooldownMinutes
	}

	if req.Behavior != nil {
		trigger.Behavior = req.Behavior
	}

	if req.Schedule != nil {
		trigger.Schedule = req.Schedule
	}

	updated, err := h.triggerService.Update(c.Context(), id, trigger)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Trigger ID is required")
	}

	if err := h.triggerService.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PauseTrigger(c fiber.Ctx) error {
	return h.setTriggerActive(c, false)
}

func (h *APIHandlers) ResumeTrigger(c fiber.Ctx) error {
	return h.setTriggerActive(c, true)
}

func (h *APIHandlers) setTriggerActive(c fiber.Ctx, active bool) error {
	trigger, err := h.triggerService.SetActive(c.Context(), c.Params("id"), active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) GetAutomations(c fiber.Ctx) error {
	automations, err := h.automationService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"automations": automations,
		"total_count": len(automations),
	})
}

func (h *APIHandlers) GetAutomation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	automation, err := h.automationService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) CreateAutomation(c fiber.Ctx) error {
	var req CreateAutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation := &models.Automation{
		Name:        req.Name,
		Description: req.Description,
		TriggerID:   req.TriggerID,
		Steps:       req.Steps,
		Active:      boolOr(req.Active, true),
	}

	created, err := h.automationService.Create(c.Context(), automation)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateAutomation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	var req UpdateAutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation, err := h.automationService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		automation.Name = *req.Name
	}

	if req.Description != nil {
		automation.Description = *req.Description
	}

	if req.TriggerID != nil {
		automation.TriggerID = *req.TriggerID
	}

	if req.Steps != nil {
		automation.Steps = req.Steps
	}

	updated, err := h.automationService.Update(c.Context(), id, automation)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteAutomation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	if err := h.automationService.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PauseAutomation(c fiber.Ctx) error {
	return h.setAutomationActive(c, false)
}

func (h *APIHandlers) ResumeAutomation(c fiber.Ctx) error {
	return h.setAutomationActive(c, true)
}

func (h *APIHandlers) setAutomationActive(c fiber.Ctx, active bool) error {
	automation, err := h.automationService.SetActive(c.Context(), c.Params("id"), active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) GetAutomationMetrics(c fiber.Ctx) error {
	id := c.Params("id")

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		limit = parsed
	}

	metrics, err := h.automationService.Metrics(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	outcomes, err := h.automationService.Outcomes(c.Context(), id, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(AutomationMetricsResponse{
		Metrics:  metrics,
		Outcomes: outcomes,
	})
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	var statuses []models.ExecutionStatus

	if statusStr := c.Query("status"); statusStr != "" {
		for _, status := range strings.Split(statusStr, ",") {
			statuses = append(statuses, models.ExecutionStatus(strings.TrimSpace(status)))
		}
	}

	executions, err := h.executionService.List(c.Context(), c.Query("automation_id"), statuses)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executionService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Resume(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}
