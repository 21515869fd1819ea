package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/usermanagement/internal/apiclient"
	"github.com/jjudge-oj/usermanagement/internal/bridge"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/sirupsen/logrus"
)

const maxAvatarUpload = 5<<20 + 1<<20

// UserAPI is the subset of the API client used by the pages.
type UserAPI interface {
	Register(ctx context.Context, bearer string, req apiclient.RegisterRequest) (types.User, error)
	ListUsers(ctx context.Context, bearer string) ([]types.User, error)
	GetUser(ctx context.Context, bearer, id string) (types.User, error)
	UpdateUser(ctx context.Context, bearer, id string, req apiclient.UpdateRequest) (types.User, error)
	DeleteUser(ctx context.Context, bearer, id string) error
	UploadAvatar(ctx context.Context, bearer, id, filename string, r io.Reader) (string, error)
}

// Handler serves the HTML front-end.
type Handler struct {
	bridge       *bridge.Bridge
	api          UserAPI
	pages        *renderer
	cookieSecure bool
	log          logrus.FieldLogger
}

// NewHandler constructs a Handler and parses the page templates.
func NewHandler(b *bridge.Bridge, api UserAPI, cookieSecure bool, logger logrus.FieldLogger) (*Handler, error) {
	pages, err := newRenderer()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		bridge:       b,
		api:          api,
		pages:        pages,
		cookieSecure: cookieSecure,
		log:          logger,
	}, nil
}

// Routes mounts every page on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.identify)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, bridge.DefaultLanding, http.StatusFound)
	})

	r.Route("/account", func(r chi.Router) {
		r.Get("/login", h.loginPage)
		r.Post("/login", h.login)
		r.Post("/logout", h.logout)
		r.Get("/access-denied", h.accessDenied)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireSignedIn)
		r.Get("/dashboard", h.dashboard)

		r.Route("/users", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(requireRole(types.RoleAdmin))
				r.Get("/", h.listUsers)
				r.Get("/add", h.addUserPage)
				r.Post("/add", h.addUser)
				r.Post("/{userID}/delete", h.deleteUser)
			})
			r.Get("/{userID}", h.profile)
			r.Get("/{userID}/edit", h.editUserPage)
			r.Post("/{userID}/edit", h.editUser)
			r.Post("/{userID}/avatar", h.uploadAvatar)
		})
	})
}

// base builds the layout data for the current request, consuming any
// pending flash message.
func (h *Handler) base(r *http.Request, title string) BasePage {
	page := BasePage{Title: title}
	if p, ok := principalFrom(r.Context()); ok {
		page.CurrentUser = &p
		page.Flash = h.bridge.TakeFlash(r.Context(), sessionIDFrom(r.Context()))
	}
	return page
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page string, data any) {
	if err := h.pages.render(w, status, page, data); err != nil {
		logging.FromRequest(h.log, r).WithError(err).WithField("page", page).Error("render page")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request, status int, heading, message string) {
	h.render(w, r, status, "message", MessagePageData{
		BasePage: h.base(r, heading),
		Heading:  heading,
		Message:  message,
	})
}

func (h *Handler) flash(r *http.Request, message string) {
	if err := h.bridge.SetFlash(r.Context(), sessionIDFrom(r.Context()), message); err != nil {
		logging.FromRequest(h.log, r).WithError(err).Warn("store flash message")
	}
}

// call runs fn with the session's bearer token. It reports whether fn
// succeeded; on failure the response has already been written.
func (h *Handler) call(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, bearer string) error) bool {
	err := h.bridge.AuthenticatedCall(r.Context(), sessionIDFrom(r.Context()), fn)
	if err == nil {
		return true
	}
	h.handleCallError(w, r, err)
	return false
}

func (h *Handler) handleCallError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bridge.ErrNoSession), errors.Is(err, bridge.ErrSessionExpired):
		h.clearAuthCookies(w)
		redirectToLogin(w, r)
	case errors.Is(err, apiclient.ErrUpstreamUnavailable):
		logging.FromRequest(h.log, r).WithError(err).Warn("api unavailable")
		h.message(w, r, http.StatusServiceUnavailable, "Service unavailable", "The user service is not reachable right now. Please try again shortly.")
	case apiclient.IsStatus(err, http.StatusForbidden):
		http.Redirect(w, r, accessDeniedPath, http.StatusFound)
	case apiclient.IsStatus(err, http.StatusNotFound):
		h.message(w, r, http.StatusNotFound, "Not found", "The requested user does not exist.")
	default:
		logging.FromRequest(h.log, r).WithError(err).Error("api call failed")
		h.message(w, r, http.StatusInternalServerError, "Something went wrong", "The request could not be completed.")
	}
}

func (h *Handler) loginPage(w http.ResponseWriter, r *http.Request) {
	returnURL := r.URL.Query().Get("returnUrl")
	if !bridge.IsLocalURL(returnURL) {
		returnURL = ""
	}
	h.render(w, r, http.StatusOK, "login", LoginPageData{
		BasePage:  h.base(r, "Log in"),
		ReturnURL: returnURL,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	returnURL := r.PostForm.Get("returnUrl")
	if !bridge.IsLocalURL(returnURL) {
		returnURL = ""
	}

	renderFailure := func(status int, message string) {
		page := LoginPageData{BasePage: h.base(r, "Log in"), Email: email, ReturnURL: returnURL}
		page.Error = message
		h.render(w, r, status, "login", page)
	}

	if email == "" || password == "" {
		renderFailure(http.StatusBadRequest, "Invalid login attempt.")
		return
	}

	// A previous session in this browser is replaced.
	if id := sessionIDFrom(r.Context()); id != "" {
		if err := h.bridge.Logout(r.Context(), id); err != nil {
			logging.FromRequest(h.log, r).WithError(err).Warn("login: delete previous session")
		}
	}

	res, err := h.bridge.Login(r.Context(), email, password, returnURL)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrInvalidLogin):
		renderFailure(http.StatusUnauthorized, "Invalid login attempt.")
		return
	case errors.Is(err, apiclient.ErrUpstreamUnavailable):
		logging.FromRequest(h.log, r).WithError(err).Warn("login: api unavailable")
		renderFailure(http.StatusServiceUnavailable, "The user service is not reachable right now. Please try again shortly.")
		return
	default:
		logging.FromRequest(h.log, r).WithError(err).Error("login failed")
		renderFailure(http.StatusInternalServerError, "Login failed. Please try again.")
		return
	}

	h.setAuthCookies(w, res)
	http.Redirect(w, r, res.Redirect, http.StatusSeeOther)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.bridge.Logout(r.Context(), sessionIDFrom(r.Context())); err != nil {
		logging.FromRequest(h.log, r).WithError(err).Warn("logout: delete session")
	}
	h.clearAuthCookies(w)
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

func (h *Handler) accessDenied(w http.ResponseWriter, r *http.Request) {
	h.message(w, r, http.StatusForbidden, "Access denied", "You do not have permission to view this page.")
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	rec, _ := sessionFrom(r.Context())
	h.render(w, r, http.StatusOK, "dashboard", DashboardPageData{
		BasePage:    h.base(r, "Dashboard"),
		DisplayName: rec.DisplayName,
		Role:        rec.Role,
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	var users []types.User
	ok := h.call(w, r, func(ctx context.Context, bearer string) error {
		var err error
		users, err = h.api.ListUsers(ctx, bearer)
		return err
	})
	if !ok {
		return
	}
	h.render(w, r, http.StatusOK, "users", UsersPageData{
		BasePage: h.base(r, "Users"),
		Users:    users,
	})
}

func (h *Handler) addUserForm(r *http.Request, form UserForm, fields map[string]string, message string) UserFormPageData {
	page := UserFormPageData{
		BasePage:     h.base(r, "Add user"),
		Heading:      "Add user",
		Action:       "/users/add",
		Cancel:       "/users",
		Form:         form,
		Fields:       fields,
		ShowPassword: true,
		ShowRole:     true,
		Roles:        assignableRoles,
	}
	page.Error = message
	return page
}

func (h *Handler) addUserPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "user_form", h.addUserForm(r, UserForm{Role: types.RoleUser}, nil, ""))
}

func (h *Handler) addUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	form := UserForm{
		FullName: strings.TrimSpace(r.PostForm.Get("fullName")),
		Email:    strings.TrimSpace(r.PostForm.Get("email")),
		Role:     r.PostForm.Get("role"),
	}
	req := apiclient.RegisterRequest{
		FullName: form.FullName,
		Email:    form.Email,
		Password: r.PostForm.Get("password"),
		Role:     form.Role,
	}

	var formErr *apiclient.StatusError
	ok := h.call(w, r, func(ctx context.Context, bearer string) error {
		_, err := h.api.Register(ctx, bearer, req)
		if errors.As(err, &formErr) && (formErr.StatusCode == http.StatusBadRequest || formErr.StatusCode == http.StatusConflict) {
			return nil
		}
		formErr = nil
		return err
	})
	if !ok {
		return
	}
	if formErr != nil {
		h.render(w, r, http.StatusBadRequest, "user_form", h.addUserForm(r, form, formErr.Fields, formErr.Message))
		return
	}

	h.flash(r, "User created.")
	http.Redirect(w, r, "/users", http.StatusSeeOther)
}

// canView gates per-user pages before calling the API, which enforces the
// same rule.
func canView(r *http.Request, id string) bool {
	p, ok := principalFrom(r.Context())
	return ok && p.CanActOn(id)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if !canView(r, id) {
		http.Redirect(w, r, accessDeniedPath, http.StatusFound)
		return
	}

	var user types.User
	ok := h.call(w, r, func(ctx context.Context, bearer string) error {
		var err error
		user, err = h.api.GetUser(ctx, bearer, id)
		return err
	})
	if !ok {
		return
	}
	h.render(w, r, http.StatusOK, "profile", ProfilePageData{
		BasePage: h.base(r, user.FullName),
		User:     user,
	})
}

func (h *Handler) editUserForm(r *http.Request, id string, form UserForm, fields map[string]string, message string) UserFormPageData {
	p, _ := principalFrom(r.Context())
	cancel := "/users/" + id
	if p.IsAdmin() {
		cancel = "/users"
	}
	page := UserFormPageData{
		BasePage: h.base(r, "Edit user"),
		Heading:  "Edit user",
		Action:   "/users/" + id + "/edit",
		Cancel:   cancel,
		Form:     form,
		Fields:   fields,
		ShowRole: p.IsAdmin(),
		Roles:    assignableRoles,
	}
	page.Error = message
	return page
}

func (h *Handler) editUserPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if !canView(r, id) {
		http.Redirect(w, r, accessDeniedPath, http.StatusFound)
		return
	}

	var user types.User
	ok := h.call(w, r, func(ctx context.Context, bearer string) error {
		var err error
		user, err = h.api.GetUser(ctx, bearer, id)
		return err
	})
	if !ok {
		return
	}

	form := UserForm{FullName: user.FullName, Email: user.Email}
	if len(user.Roles) > 0 {
		form.Role = user.Roles[0]
	}
	h.render(w, r, http.StatusOK, "user_form", h.editUserForm(r, id, form, nil, ""))
}

func (h *Handler) editUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if !canView(r, id) {
		http.Redirect(w, r, accessDeniedPath, http.StatusFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	p, _ := principalFrom(r.Context())
	form := UserForm{
		FullName: strings.TrimSpace(r.PostForm.Get("fullName")),
		Email:    strings.TrimSpace(r.PostForm.Get("email")),
	}
	if p.IsAdmin() {
		form.Role = r.PostForm.Get("role")
	}

	var formErr *apiclient.StatusError
	ok := h.call(w, r, func(ctx context.Context, bearer string) error {
		_, err := h.api.UpdateUser(ctx, bearer, id, apiclient.UpdateRequest{
			FullName: form.FullName,
			Email:    form.Email,
			Role:     form.Role,
		})
		if errors.As(err, &formErr) && (formErr.StatusCode == http.StatusBadRequest || formErr.StatusCode == http.StatusConflict) {
			return nil
		}
		formErr = nil
		return err
	})
	if !ok {
		return
	}
	if formErr != nil {
		h.render(w, r, http.StatusBadRequest, "user_form", h.editUserForm(r, id, form, formErr.Fields, formErr.Message))
		return
	}

	h.flash(r, "User updated.")
	if p.IsAdmin() {
		http.Redirect(w, r, "/users", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/users/"+id, http.StatusSeeOther)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")

	err := h.bridge.AuthenticatedCall(r.Context(), sessionIDFrom(r.Context()), func(ctx context.Context, bearer string) error {
		return h.api.DeleteUser(ctx, bearer, id)
	})
	switch {
	case err == nil:
		h.flash(r, "User deleted successfully.")
	case errors.Is(err, bridge.ErrNoSession),
		errors.Is(err, bridge.ErrSessionExpired),
		errors.Is(err, apiclient.ErrUpstreamUnavailable),
		apiclient.IsStatus(err, http.StatusForbidden),
		apiclient.IsStatus(err, http.StatusNotFound):
		h.handleCallError(w, r, err)
		return
	default:
		logging.FromRequest(h.log, r).WithError(err).WithField("user_id", id).Warn("delete user failed")
		h.flash(r, "Failed to delete user.")
	}
	http.Redirect(w, r, "/users", http.StatusSeeOther)
}

func (h *Handler) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if !canView(r, id) {
		http.Redirect(w, r, accessDeniedPath, http.StatusFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.flash(r, "Please choose an image no larger than 5 MB.")
		http.Redirect(w, r, "/users/"+id, http.StatusSeeOther)
		return
	}
	defer file.Close()

	var uploadErr *apiclient.StatusError
	ok := h.call(w, r, func(ctx context.Context, bearer string) error {
		_, err := h.api.UploadAvatar(ctx, bearer, id, filepath.Base(header.Filename), file)
		if errors.As(err, &uploadErr) && uploadErr.StatusCode == http.StatusBadRequest {
			return nil
		}
		uploadErr = nil
		return err
	})
	if !ok {
		return
	}
	if uploadErr != nil {
		h.flash(r, "Upload rejected: "+uploadErr.Message)
	} else {
		h.flash(r, "Profile picture updated.")
	}
	http.Redirect(w, r, "/users/"+id, http.StatusSeeOther)
}
