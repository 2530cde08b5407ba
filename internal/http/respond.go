package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/itkpi/hawkeye-central/internal/apperr"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type failureBody struct {
	Step   string `json:"step"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

// statusFor maps an error kind to a status code. authn selects 401 over 403
// for Unauthorized, used where the caller presented bad credentials rather
// than lacking access.
func statusFor(kind apperr.Kind, authn bool) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		if authn {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.NodeNotConnected:
		return http.StatusConflict
	case apperr.StorageUnavailable:
		return http.StatusServiceUnavailable
	case apperr.AgentUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(kind apperr.Kind, err error) string {
	switch kind {
	case apperr.Internal:
		return "internal error"
	case apperr.StorageUnavailable:
		return "storage unavailable"
	}
	var e *apperr.Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch kind {
	case apperr.Unauthorized:
		return "unauthorized"
	case apperr.NotFound:
		return "not found"
	case apperr.AgentUnavailable:
		return "agent unavailable"
	default:
		return string(kind)
	}
}

// writeServiceError renders a service error with its kind, retry hint and
// any sub-failures.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error, authn bool) {
	kind := apperr.KindOf(err)
	status := statusFor(kind, authn)
	body := map[string]any{
		"error": publicMessage(kind, err),
		"kind":  string(kind),
	}
	if kind.Retryable() {
		body["retryable"] = true
	}
	if failures := apperr.FailuresOf(err); len(failures) > 0 {
		out := make([]failureBody, 0, len(failures))
		for _, f := range failures {
			msg := "failed"
			if f.Err != nil {
				msg = publicMessage(apperr.KindOf(f.Err), f.Err)
			}
			out = append(out, failureBody{Step: f.Step, Target: f.Target, Error: msg})
		}
		body["failures"] = out
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, status, body)
}
