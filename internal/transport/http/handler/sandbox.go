package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zooassist/internal/app"
	"zooassist/internal/transport/http/response"
)

type SandboxHandler struct {
	sandboxes *app.SandboxService
	contexts  *app.ContextService
}

type CreateSandboxRequest struct {
	Name          string `json:"name"`
	PersonalityID uint   `json:"personality_id" binding:"required"`
	GuardrailID   uint   `json:"guardrail_id" binding:"required"`
	FileIDs       []uint `json:"file_ids"`
}

type PromoteSandboxRequest struct {
	AnimalID string `json:"animal_id" binding:"required"`
}

func NewSandboxHandler(sandboxes *app.SandboxService, contexts *app.ContextService) *SandboxHandler {
	return &SandboxHandler{sandboxes: sandboxes, contexts: contexts}
}

func (h *SandboxHandler) Create(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	sandbox, err := h.sandboxes.Create(c.Request.Context(), app.CreateSandboxInput{
		Name:          req.Name,
		PersonalityID: req.PersonalityID,
		GuardrailID:   req.GuardrailID,
		FileIDs:       req.FileIDs,
	})
	if err != nil {
		response.FromError(c, err, "create sandbox failed")
		return
	}
	response.Created(c, sandbox)
}

func (h *SandboxHandler) List(c *gin.Context) {
	list, err := h.sandboxes.List(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "list sandboxes failed")
		return
	}
	response.OK(c, list)
}

// Get is the audit read and also answers for expired or promoted sandboxes.
func (h *SandboxHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sandbox, err := h.sandboxes.Get(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "get sandbox failed")
		return
	}
	response.OK(c, sandbox)
}

func (h *SandboxHandler) Touch(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sandbox, err := h.sandboxes.Touch(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "touch sandbox failed")
		return
	}
	response.OK(c, sandbox)
}

func (h *SandboxHandler) Context(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	value, err := h.contexts.ForSandbox(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "load sandbox context failed")
		return
	}
	response.OK(c, value)
}

func (h *SandboxHandler) Promote(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req PromoteSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	assistant, err := h.sandboxes.Promote(c.Request.Context(), id, req.AnimalID)
	if err != nil {
		response.FromError(c, err, "promote sandbox failed")
		return
	}
	response.Created(c, assistant)
}
