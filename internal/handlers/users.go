package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/types"
)

const (
	formFieldFile      = "file"
	maxMultipartMemory = 1 << 20
)

// UserHandler serves account CRUD and profile pictures.
type UserHandler struct {
	Options
	users *services.UserService
	// publicBaseURL prefixes avatar URLs; the request host is used when empty.
	publicBaseURL string
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(users *services.UserService, publicBaseURL string, opts Options) *UserHandler {
	return &UserHandler{
		Options:       opts,
		users:         users,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// UsersRouter registers /users routes. Every route requires a bearer token.
func UsersRouter(r chi.Router, h *UserHandler, verifier TokenVerifier) {
	r.Use(RequireAuth(verifier))

	r.With(RequireRole(types.RoleAdmin)).Get("/", h.List)
	r.Route("/{userID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.With(RequireRole(types.RoleAdmin)).Delete("/", h.Delete)
		r.Post("/upload-profile", h.UploadProfile)
	})
}

// UploadsRouter serves stored profile pictures.
func UploadsRouter(r chi.Router, h *UserHandler) {
	r.Get("/{key}", h.ServeAvatar)
}

type UpdateUserRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type UploadProfileResponse struct {
	Message            string `json:"message"`
	ProfilePicturePath string `json:"profilePicturePath"`
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []types.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Get(r.Context(), callerFrom(r), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.users.Update(r.Context(), callerFrom(r), chi.URLParam(r, "userID"), services.UpdateInput{
		FullName: req.FullName,
		Email:    req.Email,
		Role:     req.Role,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Delete(r.Context(), callerFrom(r), chi.URLParam(r, "userID")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "user deleted"})
}

// UploadProfile accepts a multipart image in the "file" field.
func (h *UserHandler) UploadProfile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, services.MaxAvatarBytes+maxMultipartMemory)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:  "validation failed",
				Errors: map[string]string{formFieldFile: "file is too large"},
			})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(formFieldFile)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Errors: map[string]string{formFieldFile: "no file uploaded"},
		})
		return
	}
	defer file.Close()

	user, err := h.users.SetAvatar(r.Context(), callerFrom(r), chi.URLParam(r, "userID"), services.AvatarUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}, h.baseURL(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadProfileResponse{
		Message:            "profile picture uploaded",
		ProfilePicturePath: user.ProfilePicturePath,
	})
}

// ServeAvatar streams a stored profile picture.
func (h *UserHandler) ServeAvatar(w http.ResponseWriter, r *http.Request) {
	body, contentType, err := h.users.OpenAvatar(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.writeInternal(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (h *UserHandler) baseURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func callerFrom(r *http.Request) types.Principal {
	p, _ := PrincipalFromContext(r.Context())
	return p
}
