package rest

import (
	"encoding/json"
	"net/http"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
)

// Error code to HTTP status code mapping.
var codeToHTTPStatus = map[errs.Code]int{
	errs.SchemaError:            http.StatusBadRequest,
	errs.NotFound:               http.StatusNotFound,
	errs.ValidationFailure:      http.StatusBadRequest,
	errs.UniquenessConflict:     http.StatusConflict,
	errs.ConcurrentEditConflict: http.StatusConflict,
	errs.DurabilityFailure:      http.StatusInternalServerError,
	errs.QuerySyntaxError:       http.StatusBadRequest,
	errs.TaskFailure:            http.StatusInternalServerError,
	errs.CheckpointNotFound:     http.StatusNotFound,
	errs.AccessDenied:           http.StatusForbidden,
	errs.TransactionClosed:      http.StatusConflict,
}

// mapError maps a directory error to HTTP status, error code and message.
func mapError(err error) (int, string, string) {
	e, ok := errs.As(err)
	if !ok {
		return http.StatusInternalServerError, "internal_error", err.Error()
	}
	status, ok := codeToHTTPStatus[e.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, string(e.Code), err.Error()
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Code:    status,
		Message: message,
	})
}

func writeErr(w http.ResponseWriter, err error) {
	status, code, msg := mapError(err)
	resp := ErrorResponse{Error: code, Code: status, Message: msg}
	if e, ok := errs.As(err); ok {
		resp.Field = e.Field
		if e.Pos >= 0 {
			pos := e.Pos
			resp.Pos = &pos
		}
	}
	writeJSON(w, status, resp)
}
