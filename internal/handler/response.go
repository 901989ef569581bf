package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"shipmatch/internal/domain"
	"shipmatch/internal/middleware"
	"shipmatch/internal/service"
)

// ErrorResponse represents an error response. Error is the specific reason,
// Code the category a client can switch on.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes returned in ErrorResponse.Code.
const (
	codeValidation   = "validation-error"
	codeNotAuthz     = "not-authorized"
	codeTransition   = "invalid-state-transition"
	codePrecondition = "precondition-failed"
	codeProvider     = "provider-error"
	codeNotFound     = "not-found"
	codeInternal     = "internal"
)

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	status := mapErrorToHTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, ErrorResponse{Error: msg, Code: errorCode(status)})
}

// respondBadRequest reports a body or query that could not be parsed.
func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: codeValidation})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps service errors to HTTP status codes by category.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrExternalProvider):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrPrecondition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeValidation
	case http.StatusForbidden:
		return codeNotAuthz
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusConflict:
		return codeTransition
	case http.StatusUnprocessableEntity:
		return codePrecondition
	case http.StatusBadGateway:
		return codeProvider
	default:
		return codeInternal
	}
}

// requireActor returns the authenticated caller or writes 401.
func requireActor(c *gin.Context) (domain.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required", Code: "unauthenticated"})
		return domain.Actor{}, false
	}
	return actor, true
}

// bindOptionalJSON binds the body when one was sent. An empty body leaves req
// at its zero value.
func bindOptionalJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, "invalid request body")
		return false
	}
	return true
}
