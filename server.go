package vane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SessionHeader is the HTTP header carrying the session identifier on
// request-scoped calls. Matching is case-insensitive per HTTP semantics.
const SessionHeader = "Vane-Session-Id"

// sessionIDParam is the query parameter naming the session on the streaming
// companion endpoint.
const sessionIDParam = "sessionID"

var defaultSendTimeout = 30 * time.Second

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server owns the session registry and wires the transports, dispatcher and
// broadcaster together. Its HandleStream and HandleMessage handlers can be
// mounted on any router; Shutdown drains every live session.
//
// Instances should be created using NewServer.
type Server struct {
	info     Info
	provider Provider

	registry    *Registry
	dispatcher  *dispatcher
	broadcaster *Broadcaster

	logger            *slog.Logger
	sendTimeout       time.Duration
	keepAliveInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a capability server around the given provider. If the
// provider implements CatalogUpdater, catalog change notifications are
// broadcast to every live session whenever it reports a change.
func NewServer(info Info, provider Provider, options ...ServerOption) *Server {
	s := &Server{
		info:     info,
		provider: provider,
		registry: NewRegistry(),
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultSendTimeout
	}

	capabilities := Capabilities{}
	updater, hasUpdater := provider.(CatalogUpdater)
	if hasUpdater {
		capabilities.ListChanged = true
	}

	s.broadcaster = &Broadcaster{registry: s.registry, logger: s.logger}
	s.dispatcher = &dispatcher{
		registry:     s.registry,
		provider:     provider,
		info:         info,
		capabilities: capabilities,
		logger:       s.logger,
	}

	if hasUpdater {
		go s.watchCatalog(updater)
	}
	if s.keepAliveInterval > 0 {
		go s.keepAlive()
	}

	return s
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "vane"))
	}
}

// WithSendTimeout bounds each broadcast or notification write.
func WithSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithKeepAliveInterval makes the server broadcast a ping notification to all
// sessions on the given interval. Zero disables the keepalive.
func WithKeepAliveInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.keepAliveInterval = interval
	}
}

// Registry exposes the session table, mainly for introspection.
func (s *Server) Registry() *Registry { return s.registry }

// Broadcaster returns the notification broadcaster for application-level
// pushes to one or all sessions.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// HandleStream returns an http.Handler for the streaming endpoint. A GET
// upgrades the connection to SSE, mints a session, and pushes an initial
// "endpoint" event carrying messageURL extended with the session's id; every
// subsequent outbound envelope arrives as one "message" event. The connection
// stays open until the client disconnects or the server closes the session.
func (s *Server) HandleStream(messageURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseSess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		t := newStreamTransport(sseSess, s.logger)
		sess := s.registry.Create(t)
		t.OnClose(func() { s.registry.Remove(sess.ID()) })

		url := fmt.Sprintf("%s?%s=%s", messageURL, sessionIDParam, sess.ID())
		if err := t.sendEndpoint(url); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			_ = t.Close()
			return
		}

		s.logger.Debug("stream session opened", slog.String("sessionID", sess.ID()))

		// Keep the response open until the session ends. A client disconnect
		// runs the same close path as an explicit close.
		select {
		case <-r.Context().Done():
			_ = t.Close()
		case <-t.closed():
		}

		s.logger.Debug("stream session closed", slog.String("sessionID", sess.ID()))
	})
}

// HandleMessage returns an http.Handler for the message endpoint, serving
// both transport variants. The session id is read from the Vane-Session-Id
// header or the sessionID query parameter.
//
// POST with no session id bootstraps: the body must be a single initialize
// envelope, and the response carries the new session id in the header. POST
// with a session id feeds the session; for request-scoped sessions the
// responses (prefixed by any queued notifications) are written on this call's
// body, for streaming sessions they are pushed on the stream and the call
// answers 202. DELETE ends the session.
func (s *Server) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProtocolError(w, http.StatusBadRequest, &Error{
			Code:    CodeParseError,
			Message: fmt.Sprintf("failed to read body: %s", err),
		})
		return
	}

	sessID := requestSessionID(r)
	if sessID == "" {
		s.handleBootstrap(w, r, body)
		return
	}

	sess, ok := s.registry.Lookup(sessID)
	if !ok {
		s.logger.Warn("message for unknown session", slog.String("sessionID", sessID))
		writeProtocolError(w, http.StatusNotFound, &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unknown session: %s", sessID),
		})
		return
	}

	t, ok := sess.Transport().(*callTransport)
	if !ok {
		// Streaming session: the reply rides the open stream, the POST just
		// acknowledges receipt.
		if _, perr := s.dispatcher.handleBody(r.Context(), sess, body); perr != nil {
			writeProtocolError(w, http.StatusBadRequest, perr)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := t.beginExchange(); err != nil {
		s.registry.Remove(sess.ID())
		writeProtocolError(w, http.StatusNotFound, &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unknown session: %s", sessID),
		})
		return
	}
	batch, perr := s.dispatcher.handleBody(r.Context(), sess, body)
	out := t.endExchange()
	if perr != nil {
		writeProtocolError(w, http.StatusBadRequest, perr)
		return
	}

	w.Header().Set(SessionHeader, sess.ID())
	writeEnvelopes(w, out, batch)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request, body []byte) {
	t := newCallTransport(s.logger)
	if err := t.beginExchange(); err != nil {
		writeProtocolError(w, http.StatusInternalServerError, &Error{Code: CodeInternalError, Message: err.Error()})
		return
	}
	sess, perr := s.dispatcher.bootstrap(r.Context(), body, t)
	out := t.endExchange()
	if perr != nil {
		_ = t.Close()
		writeProtocolError(w, http.StatusBadRequest, perr)
		return
	}

	t.OnClose(func() { s.registry.Remove(sess.ID()) })
	s.logger.Debug("session bootstrapped", slog.String("sessionID", sess.ID()))

	w.Header().Set(SessionHeader, sess.ID())
	writeEnvelopes(w, out, false)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := requestSessionID(r)
	if sessID == "" {
		writeProtocolError(w, http.StatusBadRequest, &Error{
			Code:    CodeInvalidRequest,
			Message: "missing session id",
		})
		return
	}

	sess, ok := s.registry.Lookup(sessID)
	if !ok {
		writeProtocolError(w, http.StatusNotFound, &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unknown session: %s", sessID),
		})
		return
	}

	if err := sess.Transport().Close(); err != nil {
		s.logger.Warn("failed to close session transport",
			slog.String("sessionID", sessID),
			slog.String("err", err.Error()))
	}
	s.registry.Remove(sessID)
	w.WriteHeader(http.StatusNoContent)
}

// Shutdown drains every live session: all transports are closed concurrently
// and the call returns once they finish or ctx expires, whichever comes
// first. Sessions whose close hangs are logged and abandoned; they never
// delay the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	var wg sync.WaitGroup
	for _, sess := range s.registry.Snapshot() {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Transport().Close(); err != nil {
				s.logger.Warn("failed to close session transport",
					slog.String("sessionID", sess.ID()),
					slog.String("err", err.Error()))
			}
			s.registry.Remove(sess.ID())
		}(sess)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		s.logger.Warn("session drain timed out", slog.Int("remaining", s.registry.Len()))
		return fmt.Errorf("drain sessions: %w", ctx.Err())
	}
}

func (s *Server) watchCatalog(updater CatalogUpdater) {
	for range updater.CatalogUpdates() {
		select {
		case <-s.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		s.broadcaster.Broadcast(ctx, Envelope{
			JSONRPC: JSONRPCVersion,
			Method:  MethodNotificationsCapabilitiesChanged,
		})
		cancel()
	}
}

func (s *Server) keepAlive() {
	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		s.broadcaster.Broadcast(ctx, Envelope{
			JSONRPC: JSONRPCVersion,
			Method:  MethodPing,
		})
		cancel()
	}
}

func requestSessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(sessionIDParam)
}

func writeProtocolError(w http.ResponseWriter, status int, perr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{JSONRPC: JSONRPCVersion, Error: perr})
}

// writeEnvelopes renders a call's output. A batch request (or an output that
// includes queued notifications next to a response) is written as an array;
// a lone envelope as an object; no output at all answers 202.
func writeEnvelopes(w http.ResponseWriter, envs []Envelope, batch bool) {
	if len(envs) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if batch || len(envs) > 1 {
		_ = json.NewEncoder(w).Encode(envs)
		return
	}
	_ = json.NewEncoder(w).Encode(envs[0])
}
