package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type errorBody struct {
	Code    domain.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the error envelope. Anything that is not a
// domain.Error is a 500 whose cause is only shown in development.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := domain.AsError(err)
	if !ok {
		e = domain.Internal(err)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := errorBody{Code: e.Code, Message: e.Message, Details: e.Details}
	if e.Code == domain.CodeInternal || e.Code == domain.CodeDatabase {
		s.log.Error("request failed", zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path), zap.Error(err))
		if s.opts.Development && e.Err != nil {
			body.Details = map[string]any{"reason": e.Err.Error()}
		} else if e.Code == domain.CodeInternal {
			body.Details = nil
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func validationDetails(err error) map[string]any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]any{"reason": err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		fields = append(fields, msg)
	}
	return map[string]any{"fields": fields}
}
