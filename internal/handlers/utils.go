package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/sirupsen/logrus"
)

type contextKey string

const contextPrincipalKey contextKey = "principal"

func withPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, contextPrincipalKey, p)
}

// PrincipalFromContext returns the caller verified by RequireAuth or
// OptionalAuth.
func PrincipalFromContext(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(contextPrincipalKey).(types.Principal)
	if !ok || strings.TrimSpace(p.SubjectID) == "" {
		return types.Principal{}, false
	}
	return p, true
}

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationErrorResponse lists field errors.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Errors map[string]string `json:"errors"`
}

// MessageResponse acknowledges an operation.
type MessageResponse struct {
	Message string `json:"message"`
}

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// Options carries what every handler needs to render failures.
type Options struct {
	Logger logrus.FieldLogger
	// Dev exposes internal error text in problem responses.
	Dev bool
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// writeInternal logs err and renders a problem document. The error text is
// only disclosed in development.
func (o Options) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromRequest(o.logger(), r).WithError(err).
		WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).
		Error("request failed")

	detail := http.StatusText(http.StatusInternalServerError)
	if o.Dev && err != nil {
		detail = err.Error()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   "about:blank",
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Detail: detail,
	})
}

// writeServiceError maps service and store errors onto HTTP responses.
func (o Options) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Error: "validation failed", Errors: verr.Fields})
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, services.ErrForbidden.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, services.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, services.ErrConcurrentUpdate.Error())
	default:
		o.writeInternal(w, r, err)
	}
}

// Recover turns panics into problem responses.
func Recover(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				opts.writeInternal(w, r, fmt.Errorf("panic: %v", rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
