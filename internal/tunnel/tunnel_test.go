package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boundlessdigital/live-lambda/internal/history"
	"github.com/boundlessdigital/live-lambda/internal/relay"
	"github.com/boundlessdigital/live-lambda/internal/runtime"
)

// fakeRelayClient captures subscriptions and publishes in memory, so
// tests can inject envelopes and observe responses without a socket.
type fakeRelayClient struct {
	mu        sync.Mutex
	onData    map[string]relay.DataHandler
	published chan publishedMessage

	subscribeErr error
	publishErr   error
	unsubscribed []string
}

type publishedMessage struct {
	channel string
	events  []any
}

func newFakeRelayClient() *fakeRelayClient {
	return &fakeRelayClient{
		onData:    make(map[string]relay.DataHandler),
		published: make(chan publishedMessage, 16),
	}
}

func (f *fakeRelayClient) Subscribe(ctx context.Context, channel string, onData relay.DataHandler) (string, error) {
	if f.subscribeErr != nil {
		return "", f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("sub-%d", len(f.onData)+1)
	f.onData[channel] = onData
	return id, nil
}

func (f *fakeRelayClient) Publish(ctx context.Context, channel string, events []any) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published <- publishedMessage{channel: channel, events: events}
	return nil
}

func (f *fakeRelayClient) Unsubscribe(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

// deliver pushes one raw envelope into the channel's subscription as
// the relay would.
func (f *fakeRelayClient) deliver(t *testing.T, channel string, event string) {
	t.Helper()
	f.mu.Lock()
	handler := f.onData[channel]
	f.mu.Unlock()
	require.NotNil(t, handler, "no subscription for %s", channel)
	handler(json.RawMessage(event))
}

func (f *fakeRelayClient) waitPublished(t *testing.T) publishedMessage {
	t.Helper()
	select {
	case msg := <-f.published:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no response was published")
		return publishedMessage{}
	}
}

// fakeExecutor maps handler paths to canned results, errors or delays.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	errs    map[string]error
	delays  map[string]time.Duration
	calls   []runtime.Descriptor
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, desc runtime.Descriptor, event, invCtx json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, desc)
	delay := f.delays[desc.SourcePath]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err := f.errs[desc.SourcePath]; err != nil {
		return nil, err
	}
	return f.results[desc.SourcePath], nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []*history.Record
}

func (m *memoryRecorder) Record(ctx context.Context, rec *history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryRecorder) waitRecord(t *testing.T) *history.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.records) > 0 {
			rec := m.records[len(m.records)-1]
			m.mu.Unlock()
			return rec
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no history record arrived")
	return nil
}

func newTestTunnel(t *testing.T, cfg Config, client *fakeRelayClient, exec *fakeExecutor, rec Recorder) *Tunnel {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = "ns"
	}
	tun, err := New(cfg, client, exec, rec)
	require.NoError(t, err)
	require.NoError(t, tun.Serve(context.Background()))
	return tun
}

func TestRoundTrip(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.results["handlers/app.mjs"] = json.RawMessage(`{"statusCode":200,"body":"ok"}`)

	newTestTunnel(t, Config{}, client, exec, nil)

	client.deliver(t, "ns/requests", `{
		"request_id": "r1",
		"event_payload": {"rawPath": "/x"},
		"context": {"function_name": "f", "handler_path": "handlers/app.mjs", "handler_name": "handler"}
	}`)

	msg := client.waitPublished(t)
	require.Equal(t, "ns/response/r1", msg.channel)
	require.Len(t, msg.events, 1)

	raw, err := json.Marshal(msg.events[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"statusCode":200,"body":"ok"}`, string(raw))

	require.Len(t, exec.calls, 1)
	require.Equal(t, "handlers/app.mjs", exec.calls[0].SourcePath)
	require.Equal(t, "handler", exec.calls[0].Export)
}

func TestConcurrentInvocationsRouteByRequestID(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.results["a.mjs"] = json.RawMessage(`"A"`)
	exec.results["b.mjs"] = json.RawMessage(`"B"`)

	newTestTunnel(t, Config{}, client, exec, nil)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"a","handler_path":"a.mjs","handler_name":"handler"}}`)
	client.deliver(t, "ns/requests", `{"request_id":"r2","event_payload":{},"context":{"function_name":"b","handler_path":"b.mjs","handler_name":"handler"}}`)

	byChannel := map[string]string{}
	for i := 0; i < 2; i++ {
		msg := client.waitPublished(t)
		raw, err := json.Marshal(msg.events[0])
		require.NoError(t, err)
		byChannel[msg.channel] = string(raw)
	}

	// Correlation is by request id, not completion order.
	require.Equal(t, `"A"`, byChannel["ns/response/r1"])
	require.Equal(t, `"B"`, byChannel["ns/response/r2"])
}

func TestSlowInvocationDoesNotBlockFastOne(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.results["slow.mjs"] = json.RawMessage(`"slow"`)
	exec.results["fast.mjs"] = json.RawMessage(`"fast"`)
	exec.delays["slow.mjs"] = 300 * time.Millisecond

	newTestTunnel(t, Config{}, client, exec, nil)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"slow","handler_path":"slow.mjs","handler_name":"handler"}}`)
	client.deliver(t, "ns/requests", `{"request_id":"r2","event_payload":{},"context":{"function_name":"fast","handler_path":"fast.mjs","handler_name":"handler"}}`)

	// r2 finishes first even though r1 arrived first; both complete.
	first := client.waitPublished(t)
	require.Equal(t, "ns/response/r2", first.channel)
	second := client.waitPublished(t)
	require.Equal(t, "ns/response/r1", second.channel)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.results["a.mjs"] = json.RawMessage(`1`)

	newTestTunnel(t, Config{}, client, exec, nil)

	client.deliver(t, "ns/requests", `{not json`)
	client.deliver(t, "ns/requests", `{"event_payload":{}}`) // no request_id

	// The subscription survives and later envelopes still flow.
	client.deliver(t, "ns/requests", `{"request_id":"r3","event_payload":{},"context":{"function_name":"a","handler_path":"a.mjs","handler_name":"handler"}}`)
	msg := client.waitPublished(t)
	require.Equal(t, "ns/response/r3", msg.channel)
}

func TestHandlerErrorPublishesSurrogate(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.errs["boom.mjs"] = &runtime.HandlerError{Message: "kaboom"}

	rec := &memoryRecorder{}
	newTestTunnel(t, Config{}, client, exec, rec)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"f","handler_path":"boom.mjs","handler_name":"handler"}}`)

	msg := client.waitPublished(t)
	require.Equal(t, "ns/response/r1", msg.channel)
	surrogate, ok := msg.events[0].(*ErrorSurrogate)
	require.True(t, ok)
	require.Equal(t, "Runtime.HandlerError", surrogate.Error.ErrorType)
	require.Contains(t, surrogate.Error.ErrorMessage, "kaboom")

	stored := rec.waitRecord(t)
	require.Equal(t, history.StatusError, stored.Status)
	require.Contains(t, stored.Error, "kaboom")
}

func TestNotCallablePublishesSurrogate(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.errs["app.mjs"] = fmt.Errorf("resolving handler: %w", runtime.ErrNotCallable)

	newTestTunnel(t, Config{}, client, exec, nil)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"f","handler_path":"app.mjs","handler_name":"missing"}}`)

	msg := client.waitPublished(t)
	surrogate, ok := msg.events[0].(*ErrorSurrogate)
	require.True(t, ok)
	require.Equal(t, "Runtime.HandlerNotCallable", surrogate.Error.ErrorType)
}

func TestEmptyResultPublishesNull(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	// No result registered: Execute returns nil, nil.

	newTestTunnel(t, Config{}, client, exec, nil)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"f","handler_path":"void.mjs","handler_name":"handler"}}`)

	msg := client.waitPublished(t)
	raw, err := json.Marshal(msg.events[0])
	require.NoError(t, err)
	require.Equal(t, "null", string(raw))
}

func TestFunctionFilter(t *testing.T) {
	client := newFakeRelayClient()
	exec := newFakeExecutor()
	exec.results["api.mjs"] = json.RawMessage(`"served"`)

	rec := &memoryRecorder{}
	newTestTunnel(t, Config{FunctionFilter: "api-*"}, client, exec, rec)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"worker-1","handler_path":"api.mjs","handler_name":"handler"}}`)

	msg := client.waitPublished(t)
	surrogate, ok := msg.events[0].(*ErrorSurrogate)
	require.True(t, ok)
	require.Equal(t, "Tunnel.FunctionNotServed", surrogate.Error.ErrorType)
	require.Empty(t, exec.calls)

	stored := rec.waitRecord(t)
	require.Equal(t, history.StatusFiltered, stored.Status)

	client.deliver(t, "ns/requests", `{"request_id":"r2","event_payload":{},"context":{"function_name":"api-main","handler_path":"api.mjs","handler_name":"handler"}}`)
	msg = client.waitPublished(t)
	raw, err := json.Marshal(msg.events[0])
	require.NoError(t, err)
	require.Equal(t, `"served"`, string(raw))
}

func TestInvalidFilterPattern(t *testing.T) {
	_, err := New(Config{Namespace: "ns", FunctionFilter: "[bad"}, newFakeRelayClient(), newFakeExecutor(), nil)
	require.Error(t, err)
}

func TestPublishFailureRecorded(t *testing.T) {
	client := newFakeRelayClient()
	client.publishErr = errors.New("relay down")
	exec := newFakeExecutor()
	exec.results["a.mjs"] = json.RawMessage(`1`)

	rec := &memoryRecorder{}
	newTestTunnel(t, Config{}, client, exec, rec)

	client.deliver(t, "ns/requests", `{"request_id":"r1","event_payload":{},"context":{"function_name":"f","handler_path":"a.mjs","handler_name":"handler"}}`)

	stored := rec.waitRecord(t)
	require.Equal(t, history.StatusPublishFailed, stored.Status)
}

func TestShutdownUnsubscribes(t *testing.T) {
	client := newFakeRelayClient()
	tun := newTestTunnel(t, Config{}, client, newFakeExecutor(), nil)

	require.NoError(t, tun.Shutdown(context.Background()))
	require.Equal(t, []string{"sub-1"}, client.unsubscribed)
}
