package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"zooassist/internal/transport/http/response"
)

func parseUintParam(c *gin.Context, key string) (uint, error) {
	u, err := strconv.ParseUint(c.Param(key), 10, 64)
	return uint(u), err
}

// idParam reads the :id path parameter and answers 400 when it is invalid.
func idParam(c *gin.Context) (uint, bool) {
	id, err := parseUintParam(c, "id")
	if err != nil || id == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
