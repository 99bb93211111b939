package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vinayprograms/pixelmarket/errors"
)

var statusByCode = map[errors.ErrorCode]int{
	errors.ErrCodeInvalidInput:      http.StatusBadRequest,
	errors.ErrCodeUnauthorized:      http.StatusUnauthorized,
	errors.ErrCodeInsufficientFunds: http.StatusPaymentRequired,
	errors.ErrCodeForbidden:         http.StatusForbidden,
	errors.ErrCodeNotReserver:       http.StatusForbidden,
	errors.ErrCodeNotCreator:        http.StatusForbidden,
	errors.ErrCodeNotFound:          http.StatusNotFound,
	errors.ErrCodeAlreadyReserved:   http.StatusConflict,
	errors.ErrCodeAlreadyCompleted:  http.StatusConflict,
	errors.ErrCodeTaskDeleted:       http.StatusGone,
	errors.ErrCodeTaskReserved:      http.StatusConflict,
	errors.ErrCodeNoMatch:           http.StatusUnprocessableEntity,
	errors.ErrCodeRateLimit:         http.StatusTooManyRequests,
	errors.ErrCodeTimeout:           http.StatusGatewayTimeout,
	errors.ErrCodeNetworkErr:        http.StatusBadGateway,
	errors.ErrCodeUnavailable:       http.StatusServiceUnavailable,
	errors.ErrCodeCanceled:          http.StatusServiceUnavailable,
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[errors.Code(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	me := errors.AsMarketError(err)
	if me == nil {
		me = errors.Wrap(err, "internal error")
	}
	status := StatusFor(me)
	if status >= http.StatusInternalServerError {
		s.requestLogger(r).Error("request failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   string(me.Code()),
			"error":  err.Error(),
		})
	}
	writeJSON(w, status, map[string]any{"error": me})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
