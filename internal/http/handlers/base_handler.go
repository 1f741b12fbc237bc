// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"waypoint/internal/http/middleware"
	"waypoint/internal/types"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// bindErrorMessage reports missing required fields as missing, and anything
// else (bad JSON, wrong field types) as a malformed body.
func bindErrorMessage(err error, missing string) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return missing
	}
	return "invalid request body"
}

// isValidID accepts the ids we hand out (uuids) and Firebase uids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads a path parameter and writes a 400 when it is not a valid id.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module errors onto status codes. Messages of
// validation and authorization errors are safe to return; they never carry
// coordinates.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		writeJSON(c, http.StatusForbidden, errorResponse{Error: "access denied", Reason: types.Reason(err)})
	case errors.Is(err, types.ErrNotFound):
		writeError(c, http.StatusNotFound, "not found")
	case errors.Is(err, types.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, types.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
