package vane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// streamTransport is the streaming Transport variant. It owns one upgraded
// SSE connection and appends one "message" event frame per Send. The
// underlying HTTP response stays open until Close; a write failure closes the
// transport, which in turn removes the session through the close callback.
type streamTransport struct {
	lifecycle

	sess   *sse.Session
	logger *slog.Logger

	// writeMu orders concurrent senders so frames are never interleaved.
	writeMu sync.Mutex
}

func newStreamTransport(sess *sse.Session, logger *slog.Logger) *streamTransport {
	t := &streamTransport{
		lifecycle: newLifecycle(),
		sess:      sess,
		logger:    logger,
	}
	t.activate()
	return t
}

// sendEndpoint pushes the initial "endpoint" event carrying the message URL
// the client must POST to for this session.
func (t *streamTransport) sendEndpoint(url string) error {
	msg := &sse.Message{Type: sse.Type("endpoint")}
	msg.AppendData(url)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.sess.Send(msg); err != nil {
		return fmt.Errorf("write endpoint event: %w", err)
	}
	if err := t.sess.Flush(); err != nil {
		return fmt.Errorf("flush endpoint event: %w", err)
	}
	return nil
}

func (t *streamTransport) Send(ctx context.Context, env Envelope) error {
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

	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(envBs))

	t.writeMu.Lock()
	err = t.sess.Send(msg)
	if err == nil {
		err = t.sess.Flush()
	}
	t.writeMu.Unlock()

	if err != nil {
		t.logger.Warn("stream write failed, closing transport", slog.String("err", err.Error()))
		_ = t.Close()
		return fmt.Errorf("write stream frame: %w", err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	if !t.beginClose() {
		return nil
	}
	// Let an in-flight write finish before finalizing the connection.
	t.writeMu.Lock()
	t.writeMu.Unlock() //nolint:staticcheck // drain, not protect
	t.finishClose()
	return nil
}
