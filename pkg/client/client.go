package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bayhq/bay/pkg/bayerr"
)

// Client wraps the Bay HTTP API for programmatic and CLI usage.
type Client struct {
	baseURL string
	apiKey  string
	owner   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithOwner sets the owner principal requests act as.
func WithOwner(owner string) Option {
	return func(c *Client) { c.owner = owner }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the Bay server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sandbox is the API representation of a sandbox.
type Sandbox struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	ProfileID        string     `json:"profile_id"`
	CargoID          string     `json:"cargo_id"`
	DesiredState     string     `json:"desired_state"`
	TTLSeconds       *int64     `json:"ttl_seconds"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IdleExpiresAt    *time.Time `json:"idle_expires_at,omitempty"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Cargo is the API representation of a workspace volume.
type Cargo struct {
	ID                 string    `json:"id"`
	Owner              string    `json:"owner"`
	Managed            bool      `json:"managed"`
	ManagedBySandboxID string    `json:"managed_by_sandbox_id,omitempty"`
	SizeLimitMB        int64     `json:"size_limit_mb"`
	CreatedAt          time.Time `json:"created_at"`
	LastAccessedAt     time.Time `json:"last_accessed_at"`
}

// Profile is the API representation of a runtime profile.
type Profile struct {
	ID                 string             `json:"id"`
	IdleTimeoutSeconds int                `json:"idle_timeout_seconds"`
	DefaultTTLSeconds  int                `json:"default_ttl_seconds"`
	Containers         []ProfileContainer `json:"containers"`
}

// ProfileContainer describes one container of a profile.
type ProfileContainer struct {
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	RuntimeType  string   `json:"runtime_type"`
	Capabilities []string `json:"capabilities"`
	PrimaryFor   []string `json:"primary_for,omitempty"`
}

// CreateSandboxRequest holds the options for CreateSandbox.
type CreateSandboxRequest struct {
	ProfileID   string `json:"profile_id"`
	CargoID     string `json:"cargo_id,omitempty"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	SizeLimitMB int64  `json:"size_limit_mb,omitempty"`

	// IdempotencyKey, when set, makes retries of this exact request safe.
	IdempotencyKey string `json:"-"`
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// do executes one request and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.owner != "" {
		req.Header.Set("X-Bay-Owner", c.owner)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return bayerr.Wrap(err, bayerr.KindTransient, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return bayerr.Wrap(err, bayerr.KindTransient, "failed to read response")
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// decodeError rebuilds a kind-tagged error from the server's error envelope
// so callers can use the bayerr predicates on client-side errors too.
func decodeError(status int, data []byte) error {
	var ae apiError
	if err := json.Unmarshal(data, &ae); err != nil || ae.Code == "" {
		return bayerr.E(bayerr.KindInternal, "server returned %d", status)
	}
	e := bayerr.E(bayerr.Kind(ae.Code), "%s", ae.Message)
	for k, v := range ae.Details {
		e = e.WithDetail(k, v)
	}
	return e
}

// CreateSandbox creates a sandbox.
func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*Sandbox, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if req.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": req.IdempotencyKey}
	}
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", body, headers, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// GetSandbox fetches one sandbox.
func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes lists the caller's sandboxes.
func (c *Client) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	var out struct {
		Sandboxes []Sandbox `json:"sandboxes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Sandboxes, nil
}

// DeleteSandbox deletes a sandbox and everything it manages.
func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil, nil)
}

// StopSandbox stops the sandbox's session without deleting the sandbox.
func (c *Client) StopSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/stop", nil, nil, nil)
}

// Keepalive refreshes the sandbox's idle clock.
func (c *Client) Keepalive(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/keepalive", nil, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// ExtendTTL pushes the sandbox's expiry out by the given number of seconds.
// The idempotency key, when set, guards against double extension on retry.
func (c *Client) ExtendTTL(ctx context.Context, id string, seconds int64, idempotencyKey string) (*Sandbox, error) {
	body, err := json.Marshal(map[string]int64{"seconds": seconds})
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/extend_ttl", body, headers, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Exec invokes a capability operation inside the sandbox and returns the raw
// runtime response. A zero timeout uses the server default.
func (c *Client) Exec(ctx context.Context, id, capability, operation string, payload []byte, timeout time.Duration) ([]byte, error) {
	path := "/v1/sandboxes/" + id + "/" + capability + "/" + operation
	if timeout > 0 {
		path += "?timeout_seconds=" + strconv.FormatInt(int64(timeout/time.Second), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bayerr.Wrap(err, bayerr.KindTransient, "request failed")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bayerr.Wrap(err, bayerr.KindTransient, "failed to read response")
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

// Upload copies a local stream into the sandbox workspace at path.
func (c *Client) Upload(ctx context.Context, id, path string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", path); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sandboxes/"+id+"/filesystem/upload", &buf)
	if err != nil {
		return err
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return bayerr.Wrap(err, bayerr.KindTransient, "request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}
	return nil
}

// Download streams a workspace file. The caller must close the reader.
func (c *Client) Download(ctx context.Context, id, path string) (io.ReadCloser, error) {
	u := c.baseURL + "/v1/sandboxes/" + id + "/filesystem/download?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bayerr.Wrap(err, bayerr.KindTransient, "request failed")
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, decodeError(resp.StatusCode, data)
	}
	return resp.Body, nil
}

// CreateCargo creates a standalone cargo volume.
func (c *Client) CreateCargo(ctx context.Context, sizeLimitMB int64, idempotencyKey string) (*Cargo, error) {
	body, err := json.Marshal(map[string]int64{"size_limit_mb": sizeLimitMB})
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var cg Cargo
	if err := c.do(ctx, http.MethodPost, "/v1/cargos", body, headers, &cg); err != nil {
		return nil, err
	}
	return &cg, nil
}

// GetCargo fetches one cargo.
func (c *Client) GetCargo(ctx context.Context, id string) (*Cargo, error) {
	var cg Cargo
	if err := c.do(ctx, http.MethodGet, "/v1/cargos/"+id, nil, nil, &cg); err != nil {
		return nil, err
	}
	return &cg, nil
}

// ListCargos lists the caller's cargos.
func (c *Client) ListCargos(ctx context.Context) ([]Cargo, error) {
	var out struct {
		Cargos []Cargo `json:"cargos"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/cargos", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Cargos, nil
}

// DeleteCargo deletes a standalone cargo.
func (c *Client) DeleteCargo(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/cargos/"+id, nil, nil, nil)
}

// ListProfiles lists the profiles the server offers.
func (c *Client) ListProfiles(ctx context.Context) ([]Profile, error) {
	var out struct {
		Profiles []Profile `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/profiles", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.owner != "" {
		req.Header.Set("X-Bay-Owner", c.owner)
	}
}
