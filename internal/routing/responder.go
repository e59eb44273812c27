package routing

import (
	"encoding/json"
	"net/http"
	"strings"
)

type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func WriteError(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string) {
	WriteErrorDetails(w, r, rc, status, code, message, nil)
}

// WriteErrorDetails writes the error envelope with extra flat fields merged
// into the body, e.g. entitlement denials carrying currentPlan and
// suggestedPlans. Detail keys never shadow the envelope's own fields.
func WriteErrorDetails(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string, details map[string]any) {
	if isJSONOnly(rc) || wantsJSON(r) {
		body := map[string]any{
			"code":     code,
			"message":  message,
			"trace_id": traceIDFromRequest(r),
			"meta": ErrorEnvelopeMeta{
				Path:   r.URL.Path,
				Method: r.Method,
			},
		}
		for k, v := range details {
			if _, taken := body[k]; taken {
				continue
			}
			body[k] = v
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<!doctype html><html><body>"))
	_, _ = w.Write([]byte(message))
	_, _ = w.Write([]byte("</body></html>"))
}

func wantsJSON(r *http.Request) bool {
	return r.Header.Get("Accept") == "application/json" || r.Header.Get("Accept") == "application/json; charset=utf-8"
}

func isJSONOnly(rc RouteClass) bool {
	return rc == RouteClassPublicAPI || rc == RouteClassAuthn || rc == RouteClassOps
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
