package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zooassist/internal/app"
	"zooassist/internal/model"
	"zooassist/internal/transport/http/response"
)

type AssistantHandler struct {
	assistants *app.AssistantService
	contexts   *app.ContextService
}

type CreateAssistantRequest struct {
	AnimalID      string `json:"animal_id" binding:"required"`
	PersonalityID uint   `json:"personality_id" binding:"required"`
	GuardrailID   uint   `json:"guardrail_id" binding:"required"`
	FileIDs       []uint `json:"file_ids"`
}

type UpdateAssistantRequest struct {
	PersonalityID *uint `json:"personality_id"`
	GuardrailID   *uint `json:"guardrail_id"`
}

type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

func NewAssistantHandler(assistants *app.AssistantService, contexts *app.ContextService) *AssistantHandler {
	return &AssistantHandler{assistants: assistants, contexts: contexts}
}

func (h *AssistantHandler) Create(c *gin.Context) {
	var req CreateAssistantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	assistant, err := h.assistants.Create(c.Request.Context(), app.CreateAssistantInput{
		AnimalID:      req.AnimalID,
		PersonalityID: req.PersonalityID,
		GuardrailID:   req.GuardrailID,
		FileIDs:       req.FileIDs,
	})
	if err != nil {
		response.FromError(c, err, "create assistant failed")
		return
	}
	response.Created(c, assistant)
}

func (h *AssistantHandler) List(c *gin.Context) {
	list, err := h.assistants.List(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "list assistants failed")
		return
	}
	response.OK(c, list)
}

func (h *AssistantHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	assistant, err := h.assistants.Get(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "get assistant failed")
		return
	}
	response.OK(c, assistant)
}

func (h *AssistantHandler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateAssistantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	assistant, err := h.assistants.Update(c.Request.Context(), id, app.UpdateAssistantInput{
		PersonalityID: req.PersonalityID,
		GuardrailID:   req.GuardrailID,
	})
	if err != nil {
		response.FromError(c, err, "update assistant failed")
		return
	}
	response.OK(c, assistant)
}

func (h *AssistantHandler) SetStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	assistant, err := h.assistants.SetStatus(c.Request.Context(), id, model.AssistantStatus(req.Status), req.Reason)
	if err != nil {
		response.FromError(c, err, "set assistant status failed")
		return
	}
	response.OK(c, assistant)
}

func (h *AssistantHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.assistants.Delete(c.Request.Context(), id); err != nil {
		response.FromError(c, err, "delete assistant failed")
		return
	}
	response.OK(c, gin.H{"deleted_id": id})
}

func (h *AssistantHandler) Context(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	value, err := h.contexts.ForAssistant(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "load assistant context failed")
		return
	}
	response.OK(c, value)
}
