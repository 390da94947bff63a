package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"zooassist/internal/app"
	"zooassist/internal/model"
	"zooassist/internal/transport/http/response"
)

// multipart framing allowance on top of the file size cap
const formOverhead = 1 << 20

type KnowledgeHandler struct {
	knowledge *app.KnowledgeService
	maxBytes  int64
}

func NewKnowledgeHandler(knowledge *app.KnowledgeService, maxBytes int64) *KnowledgeHandler {
	if maxBytes <= 0 {
		maxBytes = app.DefaultMaxFileBytes
	}
	return &KnowledgeHandler{knowledge: knowledge, maxBytes: maxBytes}
}

// Upload accepts a multipart form with a "file" part for the owner in :id.
func (h *KnowledgeHandler) Upload(ownerType model.OwnerType) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		if c.Request.ContentLength > h.maxBytes+formOverhead {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "file too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+formOverhead)

		header, err := c.FormFile("file")
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
			return
		}
		f, err := header.Open()
		if err != nil {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
			return
		}
		defer f.Close()

		file, err := h.knowledge.Upload(c.Request.Context(), app.UploadInput{
			Owner:    model.OwnerRef{Type: ownerType, ID: id},
			FileName: header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Size:     header.Size,
			Body:     f,
		})
		if err != nil {
			response.FromError(c, err, "upload failed")
			return
		}
		response.Accepted(c, file)
	}
}

func (h *KnowledgeHandler) List(ownerType model.OwnerType) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		files, err := h.knowledge.ListFiles(c.Request.Context(), model.OwnerRef{Type: ownerType, ID: id})
		if err != nil {
			response.FromError(c, err, "list files failed")
			return
		}
		response.OK(c, files)
	}
}

func (h *KnowledgeHandler) Status(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	file, err := h.knowledge.GetStatus(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "get file status failed")
		return
	}
	response.OK(c, file)
}

func (h *KnowledgeHandler) Purge(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.knowledge.Purge(c.Request.Context(), id); err != nil {
		response.FromError(c, err, "purge file failed")
		return
	}
	response.OK(c, gin.H{"deleted_id": id})
}
