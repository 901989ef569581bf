package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SimulatedProvider settles every request in process. It is used when no
// provider key is configured. Repeated idempotency keys return the first reference.
type SimulatedProvider struct {
	mu   sync.Mutex
	refs map[string]string
}

// NewSimulatedProvider creates a new SimulatedProvider.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{refs: make(map[string]string)}
}

// Capture always succeeds.
func (p *SimulatedProvider) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	return p.ref("ch_", req.IdempotencyKey), nil
}

// Payout succeeds unless the destination is empty.
func (p *SimulatedProvider) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	if req.Destination == "" {
		return "", ErrNoDestination
	}
	return p.ref("tr_", req.IdempotencyKey), nil
}

// Refund always succeeds.
func (p *SimulatedProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return p.ref("re_", req.IdempotencyKey), nil
}

func (p *SimulatedProvider) ref(prefix, key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.refs[key]; ok && key != "" {
		return ref
	}
	ref := prefix + uuid.New().String()
	if key != "" {
		p.refs[key] = ref
	}
	return ref
}

var _ Provider = (*SimulatedProvider)(nil)
