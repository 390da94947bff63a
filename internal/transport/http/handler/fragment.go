package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zooassist/internal/app"
	"zooassist/internal/model"
	"zooassist/internal/transport/http/response"
)

// FragmentHandler serves one fragment kind; the router mounts one per kind.
type FragmentHandler struct {
	fragments *app.FragmentService
	kind      model.FragmentKind
}

type CreateFragmentRequest struct {
	Name        string `json:"name" binding:"required"`
	Body        string `json:"body" binding:"required"`
	Description string `json:"description"`
	Tone        string `json:"tone"`
	Severity    string `json:"severity"`
}

type UpdateFragmentRequest struct {
	Name        *string `json:"name"`
	Body        *string `json:"body"`
	Description *string `json:"description"`
	Tone        *string `json:"tone"`
	Severity    *string `json:"severity"`
}

func NewFragmentHandler(fragments *app.FragmentService, kind model.FragmentKind) *FragmentHandler {
	return &FragmentHandler{fragments: fragments, kind: kind}
}

func (h *FragmentHandler) Create(c *gin.Context) {
	var req CreateFragmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	fragment, err := h.fragments.Create(c.Request.Context(), app.CreateFragmentInput{
		Kind:        h.kind,
		Name:        req.Name,
		Body:        req.Body,
		Description: req.Description,
		Tone:        req.Tone,
		Severity:    req.Severity,
	})
	if err != nil {
		response.FromError(c, err, "create fragment failed")
		return
	}
	response.Created(c, fragment)
}

func (h *FragmentHandler) List(c *gin.Context) {
	list, err := h.fragments.List(c.Request.Context(), h.kind)
	if err != nil {
		response.FromError(c, err, "list fragments failed")
		return
	}
	response.OK(c, list)
}

func (h *FragmentHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	fragment, err := h.fragments.Get(c.Request.Context(), h.kind, id)
	if err != nil {
		response.FromError(c, err, "get fragment failed")
		return
	}
	response.OK(c, fragment)
}

func (h *FragmentHandler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateFragmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	fragment, err := h.fragments.Update(c.Request.Context(), h.kind, id, app.UpdateFragmentInput{
		Name:        req.Name,
		Body:        req.Body,
		Description: req.Description,
		Tone:        req.Tone,
		Severity:    req.Severity,
	})
	if err != nil {
		response.FromError(c, err, "update fragment failed")
		return
	}
	response.OK(c, fragment)
}

func (h *FragmentHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.fragments.Delete(c.Request.Context(), h.kind, id); err != nil {
		response.FromError(c, err, "delete fragment failed")
		return
	}
	response.OK(c, gin.H{"deleted_id": id})
}

// Reconcile recomputes usage counts of every kind.
func (h *FragmentHandler) Reconcile(c *gin.Context) {
	drifts, err := h.fragments.ReconcileUsage(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "reconcile usage failed")
		return
	}
	if drifts == nil {
		drifts = []app.UsageDrift{}
	}
	response.OK(c, gin.H{"corrected": drifts})
}
