package runtime

import (
	"context"
	"time"

	"github.com/bayhq/bay/pkg/types"
)

// BrowserAdapter speaks the browser runtime's protocol. The runtime has a
// single command endpoint, so every operation maps to POST /exec.
type BrowserAdapter struct {
	httpAdapter
}

// NewBrowserAdapter creates an adapter for a browser runtime at endpoint.
func NewBrowserAdapter(endpoint string) *BrowserAdapter {
	return &BrowserAdapter{httpAdapter: newHTTPAdapter(endpoint)}
}

func (a *BrowserAdapter) Health(ctx context.Context) error {
	return a.health(ctx)
}

func (a *BrowserAdapter) Meta(ctx context.Context) (*Meta, error) {
	return a.meta(ctx)
}

func (a *BrowserAdapter) Invoke(ctx context.Context, capability types.Capability, operation string, payload []byte, timeout time.Duration) ([]byte, error) {
	return a.post(ctx, "/exec", payload, timeout)
}
