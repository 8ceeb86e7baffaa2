package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	jsendSuccess = "success"
	jsendFail    = "fail"
	jsendError   = "error"
)

// jsendResponse is the envelope every route answers with. "fail" carries client mistakes,
// "error" carries server faults.
type jsendResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, jsendResponse{Status: jsendSuccess, Data: data})
}

// accepted answers a request whose work continues in the background.
func accepted(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, jsendResponse{Status: jsendSuccess, Data: data})
}

func fail(c echo.Context, code int, message string, data any) error {
	return c.JSON(code, jsendResponse{Status: jsendFail, Message: message, Data: data})
}

func failValidation(c echo.Context, fieldErrors map[string]string) error {
	return fail(c, http.StatusBadRequest, "Validation failed", map[string]any{
		"validation_errors": fieldErrors,
	})
}

func failNotFound(c echo.Context, message string) error {
	return fail(c, http.StatusNotFound, message, nil)
}

func failConflict(c echo.Context, message string) error {
	return fail(c, http.StatusConflict, message, nil)
}

// unavailable answers routes whose backing service was not wired into the server.
func unavailable(c echo.Context, component string) error {
	return fail(c, http.StatusServiceUnavailable, component+" is not configured", nil)
}

func internalError(c echo.Context, message string) error {
	return c.JSON(http.StatusInternalServerError, jsendResponse{
		Status:  jsendError,
		Message: message,
		Code:    http.StatusInternalServerError,
	})
}
