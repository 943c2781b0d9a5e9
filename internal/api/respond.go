package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/p-n-ai/pai-course/internal/course"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Problem is the error body returned by every endpoint.
type Problem struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Field    string            `json:"field,omitempty"`
	Resource string            `json:"resource,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]Problem{"error": {Code: code, Message: message}})
}

// statusOf maps a domain error kind to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, course.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, course.ErrConflict), errors.Is(err, course.ErrState):
		return http.StatusConflict
	case errors.Is(err, course.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, course.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, course.ErrDependency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// problemOf renders an error for a client. Errors that are not domain errors
// are reported as internal.
func problemOf(err error) (int, Problem) {
	status := statusOf(err)
	var de *course.Error
	if !errors.As(err, &de) || status == http.StatusInternalServerError {
		return http.StatusInternalServerError, Problem{Code: "Internal", Message: "internal error"}
	}
	return status, Problem{Code: de.Code, Message: de.Message, Field: de.Field, Resource: de.Resource}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, p := problemOf(err)
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	case http.StatusServiceUnavailable:
		slog.Warn("dependency unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]Problem{"error": p})
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "InvalidBody", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			writeProblem(w, http.StatusBadRequest, "InvalidBody", err.Error())
			return false
		}
		fields := make(map[string]string, len(ve))
		first := ""
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
			if first == "" {
				first = fe.Field()
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]Problem{"error": {
			Code:    "ValidationFailed",
			Message: "request failed validation",
			Field:   first,
			Fields:  fields,
		}})
		return false
	}
	return true
}
