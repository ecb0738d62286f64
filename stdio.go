package vane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// stdioTransport carries newline-framed envelopes on an io.Writer. It backs
// the single implicit session used when the server runs under a spawning
// client instead of behind an HTTP listener.
type stdioTransport struct {
	lifecycle

	w      io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
}

func newStdioTransport(w io.Writer, logger *slog.Logger) *stdioTransport {
	t := &stdioTransport{
		lifecycle: newLifecycle(),
		w:         w,
		logger:    logger,
	}
	t.activate()
	return t
}

func (t *stdioTransport) Send(ctx context.Context, env Envelope) error {
	if err := t.sendable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	envBs, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// Newline framing, one envelope per line.
	envBs = append(envBs, '\n')

	t.writeMu.Lock()
	_, err = t.w.Write(envBs)
	t.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (t *stdioTransport) Close() error {
	if !t.beginClose() {
		return nil
	}
	t.writeMu.Lock()
	t.writeMu.Unlock() //nolint:staticcheck // drain, not protect
	t.finishClose()
	return nil
}

// ServeStdio runs the server over a reader/writer pair with one implicit
// session, reading one envelope (or batch) per line until EOF or context
// cancellation. Responses and notifications are written back one envelope per
// line. The session is registered like any other, so broadcasts reach it too.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	t := newStdioTransport(w, s.logger)
	sess := s.registry.Create(t)
	t.OnClose(func() { s.registry.Remove(sess.ID()) })
	defer func() { _ = t.Close() }()

	type lineWithErr struct {
		line []byte
		err  error
	}

	lines := make(chan lineWithErr)
	reader := bufio.NewReader(r)
	go func() {
		defer close(lines)
		for {
			// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
			line, err := reader.ReadBytes('\n')
			select {
			case lines <- lineWithErr{line: line, err: err}:
			case <-t.closed():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var lwe lineWithErr
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lwe, ok = <-lines:
			if !ok {
				return nil
			}
		}

		// A final line without a trailing newline still arrives here,
		// alongside io.EOF.
		if len(bytes.TrimSpace(lwe.line)) > 0 {
			if _, perr := s.dispatcher.handleBody(ctx, sess, lwe.line); perr != nil {
				// No HTTP status to mirror onto here, so the structural
				// error goes back as an error envelope.
				if err := t.Send(ctx, Envelope{JSONRPC: JSONRPCVersion, Error: perr}); err != nil {
					s.logger.Warn("failed to report structural error", slog.String("err", err.Error()))
				}
			}
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read envelope line: %w", lwe.err)
		}
	}
}
