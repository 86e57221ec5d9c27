package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
)

// APIResponse is the envelope every status endpoint replies with
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError is the error part of a failed response
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusByType maps error types to HTTP status codes. Types not listed
// are reported as 500.
var statusByType = map[errors.ErrorType]int{
	errors.ErrorTypeValidation:  http.StatusBadRequest,
	errors.ErrorTypeNotFound:    http.StatusNotFound,
	errors.ErrorTypeTimeout:     http.StatusGatewayTimeout,
	errors.ErrorTypeCircuitOpen: http.StatusServiceUnavailable,
	errors.ErrorTypeCancelled:   499,
}

var unknownError = APIError{Code: "UNKNOWN_ERROR", Message: "An unknown error occurred"}

func requestID(c *gin.Context) string {
	return c.GetString("request_id")
}

func respond(c *gin.Context, status int, body APIResponse) {
	body.RequestID = requestID(c)
	body.Timestamp = time.Now()
	c.JSON(status, body)
}

// SuccessResponse writes data with a 200 status
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, APIResponse{Success: true, Data: data})
}

// ErrorResponseFromError writes err with the status its type maps to.
// Errors that are not application errors hide their message.
func ErrorResponseFromError(c *gin.Context, err error) {
	e, ok := errors.AsAppError(err)
	if !ok {
		apiErr := unknownError
		respond(c, http.StatusInternalServerError, APIResponse{Error: &apiErr})
		return
	}

	status, known := statusByType[e.Type]
	if !known {
		status = http.StatusInternalServerError
	}

	apiErr := &APIError{Code: e.Code, Message: e.Message}
	if len(e.Details) > 0 {
		apiErr.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			apiErr.Details[k] = v
		}
	}
	respond(c, status, APIResponse{Error: apiErr})
}
