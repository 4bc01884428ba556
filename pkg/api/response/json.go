// Package response provides HTTP response utilities.
package response

import (
	"encoding/json"
	"net/http"
)

// JSON writes data as a JSON response. The body is marshalled before any
// header is sent, so an encoding failure still produces a clean 500.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	if data == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// Error writes a standard error envelope.
func Error(w http.ResponseWriter, statusCode int, code, message string, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

// ErrorWithDetails writes an error envelope carrying structured details.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}
