// Package apiclient is the web front-end's HTTP client for the user API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jjudge-oj/usermanagement/internal/metrics"
	"github.com/jjudge-oj/usermanagement/types"
)

// DefaultTimeout bounds every call to the API.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnauthorized means the API rejected the bearer token.
	ErrUnauthorized = errors.New("api rejected credentials")
	// ErrInvalidCredentials means the API rejected an email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUpstreamUnavailable wraps transport failures and timeouts.
	ErrUpstreamUnavailable = errors.New("api unavailable")
)

// StatusError is a non-2xx API response other than 401.
type StatusError struct {
	StatusCode int
	Message    string
	Fields     map[string]string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client calls the user API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	metrics *metrics.Metrics
}

// New constructs a Client for baseURL. A non-positive timeout selects
// DefaultTimeout.
func New(baseURL string, timeout time.Duration, m *metrics.Metrics) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}, nil
}

// LoginResult is the body of a successful POST /auth/login.
type LoginResult struct {
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

type RegisterRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UpdateRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type errorBody struct {
	Error  string            `json:"error"`
	Detail string            `json:"detail"`
	Errors map[string]string `json:"errors"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out LoginResult
	err := c.Do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if errors.Is(err, ErrUnauthorized) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if out.Token == "" {
		return LoginResult{}, errors.New("api returned an empty token")
	}
	return out, nil
}

// Register creates an account. bearer may be empty for self-registration.
func (c *Client) Register(ctx context.Context, bearer string, req RegisterRequest) (types.User, error) {
	var out struct {
		User types.User `json:"user"`
	}
	if err := c.Do(ctx, http.MethodPost, "/auth/register", bearer, req, &out); err != nil {
		return types.User{}, err
	}
	return out.User, nil
}

func (c *Client) ListUsers(ctx context.Context, bearer string) ([]types.User, error) {
	var out []types.User
	if err := c.Do(ctx, http.MethodGet, "/users", bearer, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetUser(ctx context.Context, bearer, id string) (types.User, error) {
	var out types.User
	if err := c.Do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), bearer, nil, &out); err != nil {
		return types.User{}, err
	}
	return out, nil
}

func (c *Client) UpdateUser(ctx context.Context, bearer, id string, req UpdateRequest) (types.User, error) {
	var out types.User
	if err := c.Do(ctx, http.MethodPut, "/users/"+url.PathEscape(id), bearer, req, &out); err != nil {
		return types.User{}, err
	}
	return out, nil
}

func (c *Client) DeleteUser(ctx context.Context, bearer, id string) error {
	return c.Do(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), bearer, nil, nil)
}

// UploadAvatar sends a profile picture and returns its public URL.
func (c *Client) UploadAvatar(ctx context.Context, bearer, id, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/users/"+url.PathEscape(id)+"/upload-profile", bearer, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		ProfilePicturePath string `json:"profilePicturePath"`
	}
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	return out.ProfilePicturePath, nil
}

// Do sends a JSON request and decodes a JSON response into out (when non-nil).
// A 401 yields ErrUnauthorized, other non-2xx statuses a *StatusError, and
// transport failures wrap ErrUpstreamUnavailable.
func (c *Client) Do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bearer, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path, bearer string, body io.Reader) (*http.Request, error) {
	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Upstream(req.Method, 0, time.Since(start))
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	c.metrics.Upstream(req.Method, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.Detail
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg, Fields: eb.Errors}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
