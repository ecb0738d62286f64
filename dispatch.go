package vane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ProtocolVersion is the protocol revision this server speaks. Bootstrap
// negotiation echoes the client's version when it matches a supported one and
// answers with this value otherwise.
const ProtocolVersion = "2024-11-05"

// Info contains metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities describes what the server offers beyond plain invocation.
type Capabilities struct {
	// ListChanged is set when the server emits capability catalog change
	// notifications.
	ListChanged bool `json:"listChanged,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      Info         `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

type capabilityListResult struct {
	Capabilities []Capability `json:"capabilities"`
}

type invokeParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// dispatcher parses inbound envelopes, routes them by method kind, and writes
// every response through the session's own transport. All per-session
// failures are contained here; nothing a single client sends can take another
// session down.
type dispatcher struct {
	registry     *Registry
	provider     Provider
	info         Info
	capabilities Capabilities
	logger       *slog.Logger
}

// bootstrap handles the first call of a client that has no session yet. The
// body must be a single initialize request; batches and every other method
// are rejected without creating anything. On success the new session's
// initialize response has already been sent through t.
func (d *dispatcher) bootstrap(ctx context.Context, body []byte, t Transport) (*Session, *Error) {
	envs, batch, err := parseEnvelopes(body)
	if err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error()}
	}
	if batch {
		return nil, &Error{Code: CodeInvalidRequest, Message: "batch not accepted before a session is established"}
	}

	env := envs[0]
	if env.JSONRPC != JSONRPCVersion {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invalid jsonrpc version"}
	}
	if methodKindOf(env.Method) != methodInitialize {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("method %q requires a session", env.Method)}
	}
	if env.ID == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "initialize must be a request, not a notification"}
	}

	res, perr := d.negotiate(env)
	if perr != nil {
		return nil, perr
	}

	sess := d.registry.Create(t)
	d.reply(ctx, sess, resultEnvelope(env.ID, res))
	return sess, nil
}

// handleBody processes one inbound body for an established session,
// reporting whether the body was a batch. Each envelope is handled
// independently and responses keep the batch's input order; notifications
// produce no response entry. A non-nil *Error means the whole call was
// structurally unusable.
func (d *dispatcher) handleBody(ctx context.Context, sess *Session, body []byte) (bool, *Error) {
	envs, batch, err := parseEnvelopes(body)
	if err != nil {
		return batch, &Error{Code: CodeParseError, Message: err.Error()}
	}

	for _, env := range envs {
		d.handleEnvelope(ctx, sess, env)
	}
	return batch, nil
}

func (d *dispatcher) handleEnvelope(ctx context.Context, sess *Session, env Envelope) {
	if env.JSONRPC != JSONRPCVersion {
		if !env.IsNotification() {
			d.reply(ctx, sess, errorEnvelope(env.ID, CodeInvalidRequest, "invalid jsonrpc version"))
		}
		return
	}

	switch methodKindOf(env.Method) {
	case methodInitialize:
		// Streaming sessions are minted at connection time, so their
		// handshake arrives here rather than through bootstrap.
		res, perr := d.negotiate(env)
		if perr != nil {
			d.reply(ctx, sess, Envelope{JSONRPC: JSONRPCVersion, ID: env.ID, Error: perr})
			return
		}
		d.reply(ctx, sess, resultEnvelope(env.ID, res))
	case methodInitialized:
		d.logger.Debug("session acknowledged initialization", slog.String("sessionID", sess.ID()))
	case methodPing:
		if env.IsNotification() {
			return
		}
		d.reply(ctx, sess, resultEnvelope(env.ID, struct{}{}))
	case methodCapabilityList:
		d.handleCapabilityList(ctx, sess, env)
	case methodCapabilityInvoke:
		d.handleCapabilityInvoke(ctx, sess, env)
	case methodUnknown:
		if env.IsNotification() {
			d.logger.Debug("dropping unrecognized notification", slog.String("method", env.Method))
			return
		}
		d.reply(ctx, sess, errorEnvelope(env.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", env.Method)))
	}
}

func (d *dispatcher) negotiate(env Envelope) (initializeResult, *Error) {
	var params initializeParams
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return initializeResult{}, &Error{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("failed to unmarshal params: %s", err),
			}
		}
	}

	// Unknown client versions are answered with ours instead of rejected;
	// the client decides whether it can proceed.
	version := ProtocolVersion
	if params.ProtocolVersion == ProtocolVersion {
		version = params.ProtocolVersion
	}

	return initializeResult{
		ProtocolVersion: version,
		ServerInfo:      d.info,
		Capabilities:    d.capabilities,
	}, nil
}

func (d *dispatcher) handleCapabilityList(ctx context.Context, sess *Session, env Envelope) {
	if env.IsNotification() {
		return
	}

	caps, err := d.provider.Capabilities(ctx)
	if err != nil {
		d.reply(ctx, sess, errorEnvelope(env.ID, CodeInternalError, fmt.Sprintf("failed to list capabilities: %s", err)))
		return
	}
	d.reply(ctx, sess, resultEnvelope(env.ID, capabilityListResult{Capabilities: caps}))
}

func (d *dispatcher) handleCapabilityInvoke(ctx context.Context, sess *Session, env Envelope) {
	if env.IsNotification() {
		return
	}

	var params invokeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		d.reply(ctx, sess, errorEnvelope(env.ID, CodeInvalidParams, fmt.Sprintf("failed to unmarshal params: %s", err)))
		return
	}
	if params.Name == "" {
		d.reply(ctx, sess, errorEnvelope(env.ID, CodeInvalidParams, "missing capability name"))
		return
	}

	result, err := d.invoke(ctx, params)
	if err != nil {
		if errors.Is(err, ErrCapabilityNotFound) {
			d.reply(ctx, sess, errorEnvelope(env.ID, CodeMethodNotFound, err.Error()))
			return
		}
		d.logger.Warn("capability invocation failed",
			slog.String("capability", params.Name),
			slog.String("err", err.Error()))
		d.reply(ctx, sess, errorEnvelope(env.ID, CodeInternalError, err.Error()))
		return
	}
	d.reply(ctx, sess, resultEnvelope(env.ID, result))
}

// invoke calls the provider with a recovery boundary, so a panicking
// capability surfaces as an internal error on one session instead of tearing
// the process down.
func (d *dispatcher) invoke(ctx context.Context, params invokeParams) (result InvokeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", params.Name, r)
		}
	}()
	return d.provider.Invoke(ctx, params.Name, params.Arguments)
}

// reply writes one outbound envelope through the session's transport. A
// closed transport means the client is gone; the session is removed and the
// message is discarded.
func (d *dispatcher) reply(ctx context.Context, sess *Session, env Envelope) {
	if err := sess.Transport().Send(ctx, env); err != nil {
		d.logger.Warn("failed to send envelope",
			slog.String("sessionID", sess.ID()),
			slog.String("err", err.Error()))
		if errors.Is(err, ErrTransportClosed) {
			d.registry.Remove(sess.ID())
		}
	}
}
