package vane

import (
	"context"
	"log/slog"
	"sync"
)

// callTransport is the request-scoped Transport variant. One instance
// persists across all the HTTP calls sharing a session: while a call is being
// handled (an "exchange"), Send appends to that call's response; with no call
// pending, notifications are queued and delivered ahead of the next call's
// own responses. Queued messages that never meet another call are dropped at
// close.
type callTransport struct {
	lifecycle

	logger *slog.Logger

	// exchangeMu serializes whole calls against each other, so two POSTs
	// carrying the same session id never interleave their outputs.
	exchangeMu sync.Mutex

	mu       sync.Mutex
	queued   []Envelope
	buf      []Envelope
	inflight bool
}

func newCallTransport(logger *slog.Logger) *callTransport {
	t := &callTransport{
		lifecycle: newLifecycle(),
		logger:    logger,
	}
	t.activate()
	return t
}

func (t *callTransport) Send(_ context.Context, env Envelope) error {
	if err := t.sendable(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight {
		t.buf = append(t.buf, env)
		return nil
	}
	t.queued = append(t.queued, env)
	return nil
}

// beginExchange opens a call window. Previously queued notifications are
// moved to the front of the window's output. Callers must pair it with
// endExchange.
func (t *callTransport) beginExchange() error {
	t.exchangeMu.Lock()

	if err := t.sendable(); err != nil {
		t.exchangeMu.Unlock()
		return err
	}

	t.mu.Lock()
	t.buf = t.queued
	t.queued = nil
	t.inflight = true
	t.mu.Unlock()
	return nil
}

// endExchange closes the call window and returns everything sent into it, in
// send order.
func (t *callTransport) endExchange() []Envelope {
	t.mu.Lock()
	out := t.buf
	t.buf = nil
	t.inflight = false
	t.mu.Unlock()

	t.exchangeMu.Unlock()
	return out
}

func (t *callTransport) Close() error {
	if !t.beginClose() {
		return nil
	}

	t.mu.Lock()
	dropped := len(t.queued) + len(t.buf)
	t.queued = nil
	t.buf = nil
	t.mu.Unlock()

	if dropped > 0 {
		t.logger.Debug("dropping undelivered messages on close", slog.Int("count", dropped))
	}

	t.finishClose()
	return nil
}
