// Package provider implements the translation layer between the
// canonical conversation model and each backend's wire schema. Every
// adapter builds a wire request from canonical messages, issues the
// call, and parses the wire response back into a provider-neutral
// Result. Wire translation lives in package-level functions so it can
// be tested without a network.
package provider

import (
	"context"
	"fmt"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/media"
)

// DefaultTimeout bounds one provider request end to end.
const DefaultTimeout = 120 // seconds; applied as a context deadline

// Result is the provider-neutral outcome of one completion call.
// Image candidates are kept in their original containers so the
// caller's normalization pass can apply side-array precedence.
type Result struct {
	Text   string
	Side   []media.Candidate // canonical "images" side-array entries
	Inline []media.Candidate // images embedded in multipart content
	Usage  int               // tokens consumed by this exchange
	Note   string            // side-channel note, e.g. "image ignored"
}

// Adapter is one backend's translation layer.
type Adapter interface {
	// Complete sends the conversation and returns the parsed reply.
	// Implementations bound the call with a deadline and surface
	// backend error envelopes as *Error rather than panicking on
	// missing fields.
	Complete(ctx context.Context, modelID string, conv []chat.Message, maxTokens int) (*Result, error)

	// Name identifies the backend.
	Name() chat.Provider
}

// Registry routes completion calls to the adapter registered for a
// provider name.
type Registry struct {
	adapters map[chat.Provider]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[chat.Provider]Adapter)}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider.
func (r *Registry) Get(p chat.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	return a, nil
}

// Complete routes to the adapter named by sel.
func (r *Registry) Complete(ctx context.Context, sel chat.ModelSelector, conv []chat.Message, maxTokens int) (*Result, error) {
	a, err := r.Get(sel.Provider)
	if err != nil {
		return nil, err
	}
	return a.Complete(ctx, sel.ModelID, conv, maxTokens)
}
