package vane

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
)

// ErrCapabilityNotFound is returned by Provider implementations when asked to
// invoke a capability they do not supply. The dispatcher renders it as a
// method-not-found protocol error rather than an internal one.
var ErrCapabilityNotFound = errors.New("capability not found")

// Capability describes one invocable capability: its name, a human-readable
// description, and the JSON schema its arguments must satisfy. The metadata
// is static and owned by the Provider, not by this package.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one piece of a capability invocation result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// InvokeResult is the payload a Provider produces on a successful invocation.
type InvokeResult struct {
	Content []Content `json:"content"`
}

// Provider supplies the capability catalog and executes invocations. The core
// consumes this contract and never inspects the implementation; any side
// effects of an invocation are opaque to the dispatch layer.
type Provider interface {
	// Capabilities returns the capability descriptors in their declared
	// order. Returns error if the catalog cannot be produced.
	Capabilities(ctx context.Context) ([]Capability, error)

	// Invoke executes the named capability with the given raw arguments.
	// Returns ErrCapabilityNotFound (possibly wrapped) for unknown names;
	// any other error is reported to the caller as an internal error.
	Invoke(ctx context.Context, name string, args json.RawMessage) (InvokeResult, error)
}

// CatalogUpdater provides an interface for monitoring changes to the
// capability catalog. A Provider that also implements it gets a
// "notifications/capabilities/list_changed" broadcast to every live session
// each time the iterator yields. Connected clients can then refresh their
// cached catalog by calling capability-list again.
//
// A struct{} is yielded as only the notification matters, not the value.
type CatalogUpdater interface {
	CatalogUpdates() iter.Seq[struct{}]
}
