package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"ranksync/pkg/apierror"
)

// Status is the body returned by the webhook endpoint: {"status": int, "message": string}.
type Status struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// JSON sends data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// Message sends a {"status","message"} body whose status mirrors the HTTP code.
func Message(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, Status{Status: statusCode, Message: message})
}

// Error sends an error response.
func Error(w http.ResponseWriter, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierror.InternalError("")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	w.Write(apiErr.ToJSON())
}

// OK sends a 200 OK response.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Accepted sends a 202 Accepted response.
func Accepted(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent sends a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
