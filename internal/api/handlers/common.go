// Package handlers provides the HTTP and WebSocket handlers of the tracex
// API: session control endpoints and the event hub.
package handlers

//go:generate mockgen -source=common.go -destination=mocks/mock_common.go -package=mocks

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/tracex/internal/api/middleware"
	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/orchestrator"
)

// Controller is the part of the orchestrator the handlers drive.
type Controller interface {
	StartDiscovery(ctx context.Context, cidr string) (string, error)
	StartPortScan(ctx context.Context, hosts []discovery.Host) (string, error)
	StartScanTarget(ctx context.Context, target string) (string, error)
	Cancel() bool
	Busy() bool
	Session() *orchestrator.Session
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSON writes data as a JSON response with status.
func writeJSON(w http.ResponseWriter, logger *logging.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes err with the status its code maps to.
func writeError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status := statusForError(err)
	requestID := middleware.GetRequestID(r)

	if status >= http.StatusInternalServerError {
		logger.Error("API error", "request_id", requestID, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("API request rejected", "request_id", requestID, "path", r.URL.Path, "error", err)
	}

	writeJSON(w, logger, status, ErrorResponse{
		Error:     err.Error(),
		Code:      string(errors.GetCode(err)),
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	})
}

func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeBusy:
		return http.StatusConflict
	case errors.CodeValidation, errors.CodeTargetInvalid:
		return http.StatusBadRequest
	case errors.CodePermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// parseJSON decodes and validates a request body. An empty body leaves dst
// zero-valued before validation.
func parseJSON(r *http.Request, dst any) error {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			var maxErr *http.MaxBytesError
			if stderrors.As(err, &maxErr) {
				return errors.NewScanError(errors.CodeValidation, "request body too large")
			}
			return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid JSON body: %v", err))
		}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.NewScanError(errors.CodeValidation, err.Error())
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", jsonPath(fe.Namespace()), fe.Tag()))
	}
	return errors.NewScanError(errors.CodeValidation, "invalid request: "+strings.Join(msgs, "; "))
}

// jsonPath turns "PortScanRequest.Hosts[0].IP" into "hosts[0].ip".
func jsonPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		rest = namespace
	}
	return strings.ToLower(rest)
}
