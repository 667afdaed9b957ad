package respond

import (
	"encoding/json"
	"net/http"
)

// Result is the envelope every boundary response uses: {code, message, data}.
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func OK(data any) Result {
	return Result{Code: http.StatusOK, Message: "success", Data: data}
}

func Error(code int, message string) Result {
	return Result{Code: code, Message: message}
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteResult writes the envelope with the HTTP status matching its code.
func WriteResult(w http.ResponseWriter, result Result) {
	status := result.Code
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, result)
}

func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, Error(code, message))
}

// NotFoundHandler maps unrouted requests to the envelope so internals never
// leak through the default text responder.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "resource not found")
	})
}
