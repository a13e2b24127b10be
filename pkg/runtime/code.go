package runtime

import (
	"context"
	"time"

	"github.com/bayhq/bay/pkg/types"
)

// CodeAdapter speaks the code runtime's protocol: one endpoint per
// capability operation (/python/exec, /shell/exec, /filesystem/read, ...).
type CodeAdapter struct {
	httpAdapter
}

// NewCodeAdapter creates an adapter for a code runtime at endpoint.
func NewCodeAdapter(endpoint string) *CodeAdapter {
	return &CodeAdapter{httpAdapter: newHTTPAdapter(endpoint)}
}

func (a *CodeAdapter) Health(ctx context.Context) error {
	return a.health(ctx)
}

func (a *CodeAdapter) Meta(ctx context.Context) (*Meta, error) {
	return a.meta(ctx)
}

func (a *CodeAdapter) Invoke(ctx context.Context, capability types.Capability, operation string, payload []byte, timeout time.Duration) ([]byte, error) {
	return a.post(ctx, capabilityPath(capability, operation), payload, timeout)
}
