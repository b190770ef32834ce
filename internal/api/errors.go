package api

import (
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/engine"
	"github.com/sells-group/facility-locator/internal/store"
	"github.com/sells-group/facility-locator/internal/validation"
)

var errBadRequest = eris.New("api: bad request")

func badRequest(format string, args ...any) error {
	return eris.Wrapf(errBadRequest, format, args...)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case eris.Is(err, store.ErrNotFound), eris.Is(err, engine.ErrUnknownBatch):
		return http.StatusNotFound
	case eris.Is(err, validation.ErrImmutable),
		eris.Is(err, validation.ErrInvalidTransition),
		eris.Is(err, store.ErrConflict):
		return http.StatusConflict
	case eris.Is(err, errBadRequest),
		eris.Is(err, engine.ErrInvalidInput),
		eris.Is(err, validation.ErrManualCoordinatesRequired),
		eris.Is(err, validation.ErrInvalidCoordinates),
		eris.Is(err, validation.ErrReviewerRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
