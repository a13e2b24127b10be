package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/types"
)

// APIVersion is the runtime contract version this server speaks. A runtime
// advertising a different major version is rejected at session start.
const APIVersion = "v1"

// Meta is the runtime's self-description, served at GET /meta.
type Meta struct {
	Runtime      RuntimeInfo               `json:"runtime"`
	Workspace    WorkspaceInfo             `json:"workspace"`
	Capabilities map[string]CapabilityInfo `json:"capabilities"`
}

// RuntimeInfo identifies the runtime build.
type RuntimeInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
}

// WorkspaceInfo describes where the runtime mounts the cargo volume.
type WorkspaceInfo struct {
	MountPath string `json:"mount_path"`
}

// CapabilityInfo lists the operations a runtime serves for one capability.
type CapabilityInfo struct {
	Operations []string `json:"operations"`
}

// HasCapability reports whether the runtime advertises cap.
func (m *Meta) HasCapability(cap types.Capability) bool {
	_, ok := m.Capabilities[string(cap)]
	return ok
}

// Adapter is the HTTP client for one runtime kind. Pure transport: it
// serializes requests, applies the caller's timeout, and maps transport
// failures to error kinds. It never retries and never touches the store.
type Adapter interface {
	// Health probes the runtime's liveness endpoint.
	Health(ctx context.Context) error
	// Meta fetches the runtime's self-description.
	Meta(ctx context.Context) (*Meta, error)
	// Invoke calls one capability operation with a JSON payload and
	// returns the raw response body.
	Invoke(ctx context.Context, capability types.Capability, operation string, payload []byte, timeout time.Duration) ([]byte, error)
}

// New returns the adapter for a runtime type.
func New(runtimeType types.RuntimeType, endpoint string) (Adapter, error) {
	switch runtimeType {
	case types.RuntimeTypeCode:
		return NewCodeAdapter(endpoint), nil
	case types.RuntimeTypeBrowser:
		return NewBrowserAdapter(endpoint), nil
	default:
		return nil, bayerr.E(bayerr.KindFatal, "unknown runtime type: %s", runtimeType)
	}
}

// httpAdapter holds the transport shared by both adapter kinds.
type httpAdapter struct {
	endpoint string
	client   *http.Client
}

func newHTTPAdapter(endpoint string) httpAdapter {
	return httpAdapter{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

func (a *httpAdapter) url(path string) string {
	return "http://" + a.endpoint + path
}

func (a *httpAdapter) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/health"), nil)
	if err != nil {
		return bayerr.Wrap(err, bayerr.KindFatal, "failed to build health request")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return mapTransportError(err, "health probe failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return bayerr.E(bayerr.KindTransient, "runtime not healthy: status %d", resp.StatusCode)
	}
	return nil
}

func (a *httpAdapter) meta(ctx context.Context) (*Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/meta"), nil)
	if err != nil {
		return nil, bayerr.Wrap(err, bayerr.KindFatal, "failed to build meta request")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, mapTransportError(err, "meta fetch failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err, "meta read failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bayerr.E(bayerr.KindRuntimeError, "meta returned status %d", resp.StatusCode)
	}
	var meta Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, bayerr.Wrap(err, bayerr.KindRuntimeError, "malformed meta body")
	}
	return &meta, nil
}

// post performs one capability call against path within timeout and maps
// the response per the fault rules: transport/timeout failures are
// transient, 4xx with a recognized error body keeps its kind, anything
// else is a runtime error.
func (a *httpAdapter) post(ctx context.Context, path string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(path), bytes.NewReader(payload))
	if err != nil {
		return nil, bayerr.Wrap(err, bayerr.KindFatal, "failed to build request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, mapTransportError(err, "call to %s failed", path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err, "reading response from %s failed", path)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if kindErr := parseErrorBody(body); kindErr != nil {
			return nil, kindErr
		}
		return nil, bayerr.E(bayerr.KindRuntimeError, "runtime rejected %s with status %d", path, resp.StatusCode)
	default:
		return nil, bayerr.E(bayerr.KindRuntimeError, "runtime returned status %d for %s", resp.StatusCode, path)
	}
}

// runtimeErrorBody is the error envelope a runtime returns on 4xx.
type runtimeErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

var recognizedKinds = map[bayerr.Kind]bool{
	bayerr.KindNotFound:               true,
	bayerr.KindValidation:             true,
	bayerr.KindInvalidPath:            true,
	bayerr.KindCapabilityNotSupported: true,
	bayerr.KindRuntimeError:           true,
	bayerr.KindConflict:               true,
}

// parseErrorBody maps a recognized runtime error envelope to its kind.
// Returns nil when the body is not a recognized envelope.
func parseErrorBody(body []byte) error {
	var envelope runtimeErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Code == "" {
		return nil
	}
	kind := bayerr.Kind(envelope.Code)
	if !recognizedKinds[kind] {
		return nil
	}
	e := bayerr.E(kind, "%s", envelope.Message)
	for k, v := range envelope.Details {
		e = e.WithDetail(k, v)
	}
	return e
}

// mapTransportError classifies dial/read failures. Deadline exhaustion is
// a timeout; everything else at the transport layer is transient.
func mapTransportError(err error, format string, args ...interface{}) error {
	kind := bayerr.KindTransient
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = bayerr.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = bayerr.KindTimeout
	}
	return bayerr.Wrap(err, kind, format, args...)
}

// capabilityPath builds the code runtime's URL for one operation.
func capabilityPath(capability types.Capability, operation string) string {
	return fmt.Sprintf("/%s/%s", capability, operation)
}
