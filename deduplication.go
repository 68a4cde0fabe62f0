package medimate

import (
	"context"
	"encoding/json"

	"github.com/medimate/medimate-go/internal/singleflight"
)

// InFlightRegistry coalesces concurrent identical reads. At most one entry
// exists per signature; it is created atomically by the first caller and
// removed as soon as its request settles, success or failure.
type InFlightRegistry struct {
	group *singleflight.Group[json.RawMessage]
}

// NewInFlightRegistry returns an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		group: singleflight.New[json.RawMessage](),
	}
}

// GetOrCreate returns the result of the in-flight request for signature,
// starting it with factory if none is running. shared is true when the caller
// joined a request started by someone else.
//
// factory runs detached from ctx's cancellation so every joined caller gets
// the one eventual outcome; a caller whose ctx ends returns early with the
// context error.
func (r *InFlightRegistry) GetOrCreate(ctx context.Context, signature string, factory func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	return r.group.Do(ctx, signature, factory)
}

// InFlight reports whether a request for signature is running.
func (r *InFlightRegistry) InFlight(signature string) bool {
	return r.group.InFlight(signature)
}

// Waiters returns how many callers are attached to the request for signature.
func (r *InFlightRegistry) Waiters(signature string) int {
	return r.group.Waiters(signature)
}

// Len returns the number of running requests.
func (r *InFlightRegistry) Len() int {
	return r.group.Len()
}

// Forget detaches signature so the next read starts a fresh request.
func (r *InFlightRegistry) Forget(signature string) {
	r.group.Forget(signature)
}

// Reset detaches every running request. A detached request keeps running, so
// a new read of the same signature may overlap it until it settles; the
// client discards its result for the cache after a clear.
func (r *InFlightRegistry) Reset() {
	r.group.Reset()
}
