package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"zooassist/internal/app"
)

const (
	CodeOK              = 0
	CodeBadRequest      = 40000
	CodeValidation      = 40001
	CodeNotFound        = 40400
	CodeDuplicateName   = 40901
	CodeInUse           = 40902
	CodeConflict        = 40903
	CodeAlreadyPromoted = 40904
	CodeInvalidState    = 40905
	CodeExpired         = 41000
	CodeTooLarge        = 41300
	CodeLimitExceeded   = 42200
	CodeInternalServer  = 50000
	CodeUnavailable     = 50300
)

type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse{
		Code:    CodeOK,
		Message: "created",
		Data:    data,
	})
}

func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, APIResponse{
		Code:    CodeOK,
		Message: "accepted",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

var errorTable = []struct {
	err    error
	status int
	code   int
}{
	{app.ErrValidation, http.StatusBadRequest, CodeValidation},
	{app.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{app.ErrDuplicateName, http.StatusConflict, CodeDuplicateName},
	{app.ErrInUse, http.StatusConflict, CodeInUse},
	{app.ErrConflict, http.StatusConflict, CodeConflict},
	{app.ErrAlreadyPromoted, http.StatusConflict, CodeAlreadyPromoted},
	{app.ErrInvalidState, http.StatusConflict, CodeInvalidState},
	{app.ErrExpired, http.StatusGone, CodeExpired},
	{app.ErrLimitExceeded, http.StatusUnprocessableEntity, CodeLimitExceeded},
}

// FromError writes the status and business code of a service error.
// Unknown errors become a 500 with a generic message; the caller logs them.
func FromError(c *gin.Context, err error, fallback string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			Error(c, e.status, e.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	Error(c, http.StatusInternalServerError, CodeInternalServer, fallback)
}
