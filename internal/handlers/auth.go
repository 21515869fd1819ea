package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/usermanagement/internal/metrics"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/jjudge-oj/usermanagement/types"
)

// AuthHandler provides registration and token endpoints.
type AuthHandler struct {
	Options
	auth    *services.AuthService
	users   *services.UserService
	metrics *metrics.Metrics
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth *services.AuthService, users *services.UserService, m *metrics.Metrics, opts Options) *AuthHandler {
	return &AuthHandler{
		Options: opts,
		auth:    auth,
		users:   users,
		metrics: m,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, h *AuthHandler, verifier TokenVerifier) {
	r.With(OptionalAuth(verifier)).Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.With(RequireAuth(verifier)).Get("/me", h.Me)
}

type RegisterRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type RegisterResponse struct {
	Message string     `json:"message"`
	User    types.User `json:"user"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

// Register creates an account. Anonymous callers may register non-admin
// accounts; an Admin bearer token is needed to create administrators.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	var caller *types.Principal
	if p, ok := PrincipalFromContext(r.Context()); ok {
		caller = &p
	}

	user, err := h.users.Register(r.Context(), caller, services.RegisterInput{
		FullName: req.FullName,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{Message: "user registered", User: user})
}

// Login verifies credentials and returns a bearer token. Unknown accounts and
// wrong passwords produce the same response.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	signed, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			h.metrics.Login("failure")
		} else {
			h.metrics.Login("error")
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.metrics.Login("success")
	h.metrics.TokenIssued()
	writeJSON(w, http.StatusOK, LoginResponse{Token: signed.Token, Expiration: signed.ExpiresAt})
}

// Me returns the account behind the bearer token.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.Get(r.Context(), principal, principal.SubjectID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
