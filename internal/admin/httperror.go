package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const contentTypeJSON = "application/json; charset=utf-8"

// httpError carries a status code and a client-facing message. The cause is
// logged, never returned to the client.
type httpError struct {
	cause   error
	Code    int
	Message string
}

func (e *httpError) Error() string {
	return e.Message
}

func (e *httpError) Unwrap() error {
	return e.cause
}

func newHTTPError(code int, message string, cause error) *httpError {
	return &httpError{cause: cause, Code: code, Message: message}
}

// appHandler is a handler that reports failure by returning an error.
type appHandler func(w http.ResponseWriter, r *http.Request) error

// makeHandler adapts an appHandler to http.HandlerFunc and renders returned
// errors as {"error": message}.
func makeHandler(h appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		fields := log.Fields{"method": r.Method, "path": r.URL.Path}
		var herr *httpError
		if errors.As(err, &herr) {
			entry := log.WithFields(fields).WithField("code", herr.Code)
			if herr.cause != nil {
				entry = entry.WithError(herr.cause)
			}
			if herr.Code >= http.StatusInternalServerError {
				entry.Error(herr.Message)
			} else {
				entry.Warn(herr.Message)
			}
			respondJSON(w, herr.Code, map[string]string{"error": herr.Message})
			return
		}

		log.WithFields(fields).WithError(err).Error("Unhandled admin error")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("Failed to marshal JSON response")
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
