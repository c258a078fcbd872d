package api

import (
	"context"
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/Samankhalid01/capacitor-updater/shared/status"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteJSONObject writes obj as the JSON body of a 200 response
func WriteJSONObject(ctx context.Context, w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.WithContext(ctx).Errorf("failed to encode response: %v", err)
	}
}

// WriteErrorResponse writes an error body with the given HTTP status
func WriteErrorResponse(errMsg string, httpStatus int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	w.WriteHeader(httpStatus)
	err := json.NewEncoder(w).Encode(&ErrorResponse{
		Message: errMsg,
		Code:    httpStatus,
	})
	if err != nil {
		http.Error(w, "failed handling request", http.StatusInternalServerError)
	}
}

// WriteError maps a status error to its HTTP status. Unknown errors become a generic 500.
func WriteError(ctx context.Context, err error, w http.ResponseWriter) {
	log.WithContext(ctx).Errorf("got a handler error: %s", err.Error())

	errStatus, ok := status.FromError(err)
	if !ok {
		WriteErrorResponse("internal server error", http.StatusInternalServerError, w)
		return
	}

	httpStatus := http.StatusInternalServerError
	msg := errStatus.Error()

	switch errStatus.Type() {
	case status.NotFound:
		httpStatus = http.StatusNotFound
	case status.InvalidArgument:
		httpStatus = http.StatusUnprocessableEntity
	case status.PreconditionFailed:
		httpStatus = http.StatusPreconditionFailed
	case status.DownloadError:
		httpStatus = http.StatusBadGateway
	case status.ActivationError, status.StorageError:
		httpStatus = http.StatusInternalServerError
	default:
		msg = "internal server error"
	}

	WriteErrorResponse(msg, httpStatus, w)
}
