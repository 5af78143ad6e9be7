// Package envelope renders every gateway response in one of two fixed shapes:
//
//	success: {"result": ..., "timestamp": "...", ...payload fields}
//	failure: {"detail": "...", "type": "<kind>"}
//
// Status codes for failures depend only on the error kind.
package envelope

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"toolgate/internal/domain"
)

// statusByKind is total over domain.Kinds.
var statusByKind = map[domain.ErrorKind]int{
	domain.KindValidation:          http.StatusBadRequest,
	domain.KindCredentialMissing:   http.StatusServiceUnavailable,
	domain.KindUpstreamUnavailable: http.StatusGatewayTimeout,
	domain.KindUpstreamError:       http.StatusBadGateway,
	domain.KindInternal:            http.StatusInternalServerError,
}

// Status returns the HTTP status for kind. Unknown kinds are internal.
func Status(kind domain.ErrorKind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the failure body.
type Error struct {
	Detail string           `json:"detail"`
	Type   domain.ErrorKind `json:"type"`
}

// FromError converts any error into a failure body and its status. Internal
// errors never expose their cause.
func FromError(err error) (Error, int) {
	te := domain.AsToolError(err)
	if te == nil {
		te = domain.Internal(nil)
	}
	detail := te.Message()
	if te.Kind() == domain.KindInternal || detail == "" {
		detail = "internal server error"
	}
	return Error{Detail: detail, Type: te.Kind()}, Status(te.Kind())
}

// WriteResult writes a success envelope.
func WriteResult(w http.ResponseWriter, res domain.ToolResult) {
	writeJSON(w, http.StatusOK, res)
}

// WriteError writes a failure envelope.
func WriteError(w http.ResponseWriter, err error) {
	body, status := FromError(err)
	writeJSON(w, status, body)
}

// WriteJSON writes any value with the given status, for non-tool endpoints.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// Fall back to a body that cannot fail to encode.
		slog.Default().Error("envelope: encode response", "err", err)
		status = http.StatusInternalServerError
		data = []byte(`{"detail":"internal server error","type":"internal"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	w.Write([]byte("\n"))
}
