package vane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type stubProvider struct {
	caps     []Capability
	invokeFn func(ctx context.Context, name string, args json.RawMessage) (InvokeResult, error)
}

func (p stubProvider) Capabilities(context.Context) ([]Capability, error) {
	return p.caps, nil
}

func (p stubProvider) Invoke(ctx context.Context, name string, args json.RawMessage) (InvokeResult, error) {
	if p.invokeFn != nil {
		return p.invokeFn(ctx, name, args)
	}
	return InvokeResult{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
}

func testProvider() stubProvider {
	return stubProvider{
		caps: []Capability{
			{Name: "alpha", Description: "first", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "beta", Description: "second", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		invokeFn: func(_ context.Context, name string, args json.RawMessage) (InvokeResult, error) {
			switch name {
			case "echo":
				return InvokeResult{Content: []Content{{Type: "text", Text: string(args)}}}, nil
			case "fail":
				return InvokeResult{}, errors.New("upstream unavailable")
			case "explode":
				panic("boom")
			default:
				return InvokeResult{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
			}
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, testProvider(), WithLogger(quietLogger()))
	ts := httptest.NewServer(srv.HandleMessage())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postMessage(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, r io.Reader) Envelope {
	t.Helper()
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func decodeEnvelopes(t *testing.T, r io.Reader) []Envelope {
	t.Helper()
	var envs []Envelope
	if err := json.NewDecoder(r).Decode(&envs); err != nil {
		t.Fatalf("decode envelope array: %v", err)
	}
	return envs
}

const initializeBody = `{"jsonrpc":"2.0","id":"init-1","method":"initialize",` +
	`"params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"tester","version":"0"}}}`

// bootstrap runs the initialize call and returns the new session id.
func bootstrap(t *testing.T, url string) string {
	t.Helper()
	resp := postMessage(t, url, "", initializeBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status = %d, want 200", resp.StatusCode)
	}
	sessID := resp.Header.Get(SessionHeader)
	if sessID == "" {
		t.Fatal("bootstrap response missing session header")
	}
	return sessID
}

func TestBootstrapInitialize(t *testing.T) {
	srv, ts := newTestServer(t)

	resp := postMessage(t, ts.URL, "", initializeBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(SessionHeader) == "" {
		t.Error("missing session header")
	}

	env := decodeEnvelope(t, resp.Body)
	if env.ID != "init-1" {
		t.Errorf("response id = %q, want init-1", env.ID)
	}
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", env.Error)
	}

	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      Info   `json:"serverInfo"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ServerInfo.Name != "vane-test" {
		t.Errorf("serverInfo.name = %q, want vane-test", res.ServerInfo.Name)
	}
	if res.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", res.ProtocolVersion, ProtocolVersion)
	}

	if srv.Registry().Len() != 1 {
		t.Errorf("registry has %d sessions, want 1", srv.Registry().Len())
	}
}

func TestBootstrapUnknownClientVersionStillSucceeds(t *testing.T) {
	_, ts := newTestServer(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"X"}}`
	resp := postMessage(t, ts.URL, "", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	env := decodeEnvelope(t, resp.Body)
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", env.Error)
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want server's own %q", res.ProtocolVersion, ProtocolVersion)
	}
}

func TestBootstrapRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"non-initialize method", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"initialize as notification", `{"jsonrpc":"2.0","method":"initialize"}`, CodeInvalidRequest},
		{"batch", `[` + initializeBody + `]`, CodeInvalidRequest},
		{"wrong jsonrpc version", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, CodeInvalidRequest},
		{"malformed", `{"jsonrpc":`, CodeParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ts := newTestServer(t)

			resp := postMessage(t, ts.URL, "", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}

			env := decodeEnvelope(t, resp.Body)
			if env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %d", env.Error, tt.code)
			}
			if srv.Registry().Len() != 0 {
				t.Error("rejected bootstrap still created a session")
			}
		})
	}
}

func TestMessageUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postMessage(t, ts.URL, "never-issued", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp.Body)
	if env.Error == nil || env.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want code %d", env.Error, CodeInvalidRequest)
	}
}

func TestRequestScopedCallFlow(t *testing.T) {
	srv, ts := newTestServer(t)
	sessID := bootstrap(t, ts.URL)

	// The issued id keeps working on follow-up calls.
	resp := postMessage(t, ts.URL, sessID, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d, want 200", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp.Body)
	resp.Body.Close()
	if env.ID != "p1" || env.Error != nil {
		t.Fatalf("ping response = %+v", env)
	}

	// The catalog comes back in declared order.
	resp = postMessage(t, ts.URL, sessID, `{"jsonrpc":"2.0","id":"l1","method":"capability-list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	env = decodeEnvelope(t, resp.Body)
	resp.Body.Close()
	var list struct {
		Capabilities []Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(env.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Capabilities) != 2 || list.Capabilities[0].Name != "alpha" || list.Capabilities[1].Name != "beta" {
		t.Errorf("capabilities = %+v", list.Capabilities)
	}

	// DELETE ends the session; the id is gone afterwards.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	req.Header.Set(SessionHeader, sessID)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}
	if srv.Registry().Len() != 0 {
		t.Error("session survived delete")
	}

	resp = postMessage(t, ts.URL, sessID, `{"jsonrpc":"2.0","id":"p2","method":"ping"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("post after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestInvokeErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		capName  string
		wantCode int
	}{
		{"unknown capability is method-not-found", "nope", CodeMethodNotFound},
		{"provider failure is internal", "fail", CodeInternalError},
		{"provider panic is internal", "explode", CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t)
			sessID := bootstrap(t, ts.URL)

			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"capability-invoke","params":{"name":%q}}`, tt.capName)
			resp := postMessage(t, ts.URL, sessID, body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}

			env := decodeEnvelope(t, resp.Body)
			if env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %d", env.Error, tt.wantCode)
			}

			// The session survives the failed invocation.
			pong := postMessage(t, ts.URL, sessID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
			pong.Body.Close()
			if pong.StatusCode != http.StatusOK {
				t.Errorf("ping after failed invoke status = %d, want 200", pong.StatusCode)
			}
		})
	}
}

func TestInvokeSuccess(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := bootstrap(t, ts.URL)

	body := `{"jsonrpc":"2.0","id":1,"method":"capability-invoke","params":{"name":"echo","arguments":{"v":7}}}`
	resp := postMessage(t, ts.URL, sessID, body)
	defer resp.Body.Close()

	env := decodeEnvelope(t, resp.Body)
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", env.Error)
	}
	var result InvokeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != `{"v":7}` {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestMalformedBodyOnEstablishedSession(t *testing.T) {
	srv, ts := newTestServer(t)
	sessID := bootstrap(t, ts.URL)

	resp := postMessage(t, ts.URL, sessID, `{"jsonrpc`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp.Body)
	if env.Error == nil || env.Error.Code != CodeParseError {
		t.Errorf("error = %+v, want code %d", env.Error, CodeParseError)
	}

	// Malformed bodies never take the session down.
	if srv.Registry().Len() != 1 {
		t.Error("session removed after malformed body")
	}
}

func TestBatchKeepsOrderAndSkipsNotifications(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := bootstrap(t, ts.URL)

	body := `[
		{"jsonrpc":"2.0","id":"a","method":"ping"},
		{"jsonrpc":"2.0","id":"b","method":"no-such-method"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":"c","method":"ping"}
	]`
	resp := postMessage(t, ts.URL, sessID, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	envs := decodeEnvelopes(t, resp.Body)
	if len(envs) != 3 {
		t.Fatalf("got %d responses, want 3 (notification produces none)", len(envs))
	}
	if envs[0].ID != "a" || envs[1].ID != "b" || envs[2].ID != "c" {
		t.Errorf("response order = %q, %q, %q", envs[0].ID, envs[1].ID, envs[2].ID)
	}
	if envs[1].Error == nil || envs[1].Error.Code != CodeMethodNotFound {
		t.Errorf("unknown method error = %+v", envs[1].Error)
	}
	if envs[0].Error != nil || envs[2].Error != nil {
		t.Error("ping responses should succeed")
	}
}

func TestNotificationAloneAnswersAccepted(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := bootstrap(t, ts.URL)

	resp := postMessage(t, ts.URL, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestQueuedNotificationDeliveredBeforeNextResponse(t *testing.T) {
	srv, ts := newTestServer(t)
	sessID := bootstrap(t, ts.URL)

	srv.Broadcaster().Notify(context.Background(), sessID, Envelope{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsCapabilitiesChanged,
	})

	resp := postMessage(t, ts.URL, sessID, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	defer resp.Body.Close()

	envs := decodeEnvelopes(t, resp.Body)
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want notification + response", len(envs))
	}
	if envs[0].Method != MethodNotificationsCapabilitiesChanged {
		t.Errorf("first envelope = %+v, want queued notification", envs[0])
	}
	if envs[1].ID != "p" {
		t.Errorf("second envelope = %+v, want the ping response", envs[1])
	}
}

func TestStreamSessionEndToEnd(t *testing.T) {
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, testProvider(), WithLogger(quietLogger()))

	mux := http.NewServeMux()
	mux.Handle("/sse", srv.HandleStream("/message"))
	mux.Handle("/message", srv.HandleMessage())
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := NewStreamClient(ts.URL+"/sse", ts.Client(), WithStreamClientLogger(quietLogger()))
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if cli.SessionID() == "" {
		t.Fatal("empty session id after connect")
	}
	if srv.Registry().Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", srv.Registry().Len())
	}

	replies := make(chan Envelope, 8)
	go func() {
		for env := range cli.Messages() {
			replies <- env
		}
		close(replies)
	}()

	waitReply := func(id ReqID) Envelope {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case env, ok := <-replies:
				if !ok {
					t.Fatal("stream closed before reply")
				}
				if env.ID == id {
					return env
				}
			case <-deadline:
				t.Fatalf("timed out waiting for reply %q", id)
			}
		}
	}

	if err := cli.Send(ctx, Envelope{JSONRPC: JSONRPCVersion, ID: "1", Method: MethodInitialize,
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05"}`)}); err != nil {
		t.Fatalf("send initialize: %v", err)
	}
	env := waitReply("1")
	if env.Error != nil {
		t.Fatalf("initialize error: %v", env.Error)
	}

	if err := cli.Send(ctx, Envelope{JSONRPC: JSONRPCVersion, ID: "2", Method: MethodCapabilityInvoke,
		Params: json.RawMessage(`{"name":"echo","arguments":{"k":"v"}}`)}); err != nil {
		t.Fatalf("send invoke: %v", err)
	}
	env = waitReply("2")
	if env.Error != nil {
		t.Fatalf("invoke error: %v", env.Error)
	}
	var result InvokeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != `{"k":"v"}` {
		t.Errorf("content = %+v", result.Content)
	}

	// A broadcast reaches the stream too.
	srv.Broadcaster().Broadcast(context.Background(), Envelope{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsCapabilitiesChanged,
	})
	deadline := time.After(5 * time.Second)
	for {
		var got Envelope
		select {
		case got = <-replies:
		case <-deadline:
			t.Fatal("timed out waiting for broadcast")
		}
		if got.Method == MethodNotificationsCapabilitiesChanged {
			break
		}
	}

	// Disconnecting invalidates the session.
	cancel()
	waitFor(t, 5*time.Second, func() bool { return srv.Registry().Len() == 0 })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBroadcastContinuesPastFailures(t *testing.T) {
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, testProvider(), WithLogger(quietLogger()))

	good1 := newFakeTransport()
	bad := newFakeTransport()
	bad.sendErr = errors.New("wire fell over")
	good2 := newFakeTransport()
	srv.Registry().Create(good1)
	srv.Registry().Create(bad)
	srv.Registry().Create(good2)

	srv.Broadcaster().Broadcast(context.Background(), Envelope{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsCapabilitiesChanged,
	})

	for i, tr := range []*fakeTransport{good1, good2} {
		if got := len(tr.sentEnvelopes()); got != 1 {
			t.Errorf("healthy transport %d received %d envelopes, want 1", i, got)
		}
	}
}

func TestNotifyUnknownSessionIsDropped(t *testing.T) {
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, testProvider(), WithLogger(quietLogger()))

	// Must not panic or create anything.
	srv.Broadcaster().Notify(context.Background(), "gone", Envelope{JSONRPC: JSONRPCVersion, Method: MethodPing})
	if srv.Registry().Len() != 0 {
		t.Error("notify created a session")
	}
}

func TestShutdownDrainsAllSessions(t *testing.T) {
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, testProvider(), WithLogger(quietLogger()))

	transports := make([]*fakeTransport, 10)
	for i := range transports {
		transports[i] = newFakeTransport()
		srv.Registry().Create(transports[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if srv.Registry().Len() != 0 {
		t.Errorf("registry has %d sessions after shutdown, want 0", srv.Registry().Len())
	}
	for i, tr := range transports {
		select {
		case <-tr.closed():
		default:
			t.Errorf("transport %d not closed", i)
		}
	}
}

func TestShutdownBoundedByContext(t *testing.T) {
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, testProvider(), WithLogger(quietLogger()))

	for range 9 {
		srv.Registry().Create(newFakeTransport())
	}
	hung := &hangingTransport{}
	hung.lifecycle = newLifecycle()
	hung.activate()
	srv.Registry().Create(hung)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := srv.Shutdown(ctx)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Shutdown = nil, want context deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown error = %v, want DeadlineExceeded", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Shutdown took %s, should return near the 200ms deadline", elapsed)
	}

	// The responsive sessions were still drained.
	waitFor(t, time.Second, func() bool { return srv.Registry().Len() == 1 })
}
