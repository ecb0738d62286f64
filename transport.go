package vane

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is reported by Transport.Send after the transport has
// transitioned out of the active state.
var ErrTransportClosed = errors.New("transport closed")

// Transport abstracts one client connection's delivery channel. A Transport
// belongs to at most one Session and serializes its own writes: concurrent
// senders are ordered, never interleaved mid-frame.
type Transport interface {
	// Send writes one framed protocol message to the client. It fails with
	// ErrTransportClosed once the transport is closing or closed.
	Send(ctx context.Context, env Envelope) error

	// Close transitions the transport to closed, releases the underlying
	// I/O, and fires the registered close callbacks exactly once. In-flight
	// writes are flushed before the transition completes. Close is
	// idempotent.
	Close() error

	// OnClose registers a callback invoked when the transport becomes
	// closed, whether due to an explicit Close, client disconnect, or write
	// failure. Registering on an already closed transport invokes the
	// callback immediately.
	OnClose(fn func())
}

const (
	stateUninitialized = iota
	stateActive
	stateClosing
	stateClosed
)

// lifecycle tracks a transport's state machine and its close callbacks.
// Transports embed it and drive the transitions; callbacks run exactly once,
// outside the lock.
type lifecycle struct {
	mu      sync.Mutex
	state   int
	onClose []func()
	done    chan struct{}
}

func newLifecycle() lifecycle {
	return lifecycle{state: stateUninitialized, done: make(chan struct{})}
}

func (l *lifecycle) activate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateUninitialized {
		l.state = stateActive
	}
}

// sendable reports whether the transport currently accepts Send calls.
func (l *lifecycle) sendable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateActive {
		return ErrTransportClosed
	}
	return nil
}

// beginClose moves to the closing state. It reports false when another caller
// already started or finished the close.
func (l *lifecycle) beginClose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateClosing || l.state == stateClosed {
		return false
	}
	l.state = stateClosing
	return true
}

// finishClose completes the transition and runs the registered callbacks.
func (l *lifecycle) finishClose() {
	l.mu.Lock()
	if l.state == stateClosed {
		l.mu.Unlock()
		return
	}
	l.state = stateClosed
	fns := l.onClose
	l.onClose = nil
	close(l.done)
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (l *lifecycle) OnClose(fn func()) {
	l.mu.Lock()
	if l.state == stateClosed {
		l.mu.Unlock()
		fn()
		return
	}
	l.onClose = append(l.onClose, fn)
	l.mu.Unlock()
}

// closed returns a channel that is closed once the transport reaches its
// terminal state.
func (l *lifecycle) closed() <-chan struct{} {
	return l.done
}
