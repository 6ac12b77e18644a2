package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/boundlessdigital/live-lambda/internal/history"
	"github.com/boundlessdigital/live-lambda/internal/metrics"
	"github.com/boundlessdigital/live-lambda/internal/relay"
	"github.com/boundlessdigital/live-lambda/internal/runtime"
)

// RelayClient is the slice of the event-channel client the tunnel uses.
type RelayClient interface {
	Subscribe(ctx context.Context, channel string, onData relay.DataHandler) (string, error)
	Publish(ctx context.Context, channel string, events []any) error
	Unsubscribe(ctx context.Context, id string) error
}

// Executor runs a handler descriptor against a forwarded event.
type Executor interface {
	Execute(ctx context.Context, desc runtime.Descriptor, event, invCtx json.RawMessage) (json.RawMessage, error)
}

// Recorder persists invocation outcomes, best-effort.
type Recorder interface {
	Record(ctx context.Context, rec *history.Record) error
}

// Config holds tunnel settings.
type Config struct {
	// Namespace prefixes both well-known channel names.
	Namespace string

	// FunctionFilter selects which function names this tunnel serves;
	// empty means all.
	FunctionFilter string
}

// Tunnel subscribes to the requests channel and answers each
// invocation envelope on its correlation-scoped response channel.
// Invocations run concurrently and independently; completion order is
// irrelevant because the request id, not arrival order, routes the
// response.
type Tunnel struct {
	cfg      Config
	client   RelayClient
	executor Executor
	recorder Recorder
	filter   glob.Glob

	subscriptionID string
}

// New creates a Tunnel. recorder may be nil.
func New(cfg Config, client RelayClient, executor Executor, recorder Recorder) (*Tunnel, error) {
	t := &Tunnel{
		cfg:      cfg,
		client:   client,
		executor: executor,
		recorder: recorder,
	}

	if cfg.FunctionFilter != "" && cfg.FunctionFilter != "*" {
		g, err := glob.Compile(cfg.FunctionFilter)
		if err != nil {
			return nil, err
		}
		t.filter = g
	}

	return t, nil
}

// Serve connects and subscribes to the requests channel. It returns
// once the subscription is acknowledged; envelopes are handled on
// background goroutines until the connection dies or Shutdown runs.
func (t *Tunnel) Serve(ctx context.Context) error {
	id, err := t.client.Subscribe(ctx, t.cfg.Namespace+"/requests", func(event json.RawMessage) {
		t.handleMessage(ctx, event)
	})
	if err != nil {
		return err
	}

	t.subscriptionID = id
	log.Info().
		Str("channel", t.cfg.Namespace+"/requests").
		Msg("Tunnel serving")
	return nil
}

// Shutdown unsubscribes from the requests channel.
func (t *Tunnel) Shutdown(ctx context.Context) error {
	if t.subscriptionID == "" {
		return nil
	}
	return t.client.Unsubscribe(ctx, t.subscriptionID)
}

// handleMessage decodes one envelope and dispatches it concurrently. A
// malformed payload drops that message only; the subscription stays
// live.
func (t *Tunnel) handleMessage(ctx context.Context, event json.RawMessage) {
	var env InvocationEnvelope
	if err := json.Unmarshal(event, &env); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed invocation envelope")
		return
	}
	if env.RequestID == "" {
		log.Warn().Msg("Dropping invocation envelope without request_id")
		return
	}

	go t.handleInvocation(ctx, &env)
}

func (t *Tunnel) handleInvocation(ctx context.Context, env *InvocationEnvelope) {
	start := time.Now()

	log.Info().
		Str("request_id", env.RequestID).
		Str("function", env.Context.FunctionName).
		Str("handler", env.Context.HandlerPath+"#"+env.Context.HandlerName).
		Msg("Invocation received")

	result, status := t.execute(ctx, env)
	duration := time.Since(start)

	channel := t.cfg.Namespace + "/response/" + env.RequestID
	if err := t.client.Publish(ctx, channel, []any{result}); err != nil {
		log.Error().Err(err).
			Str("request_id", env.RequestID).
			Str("channel", channel).
			Msg("Failed to publish response envelope")
		status = history.StatusPublishFailed
	} else {
		log.Info().
			Str("request_id", env.RequestID).
			Str("status", string(status)).
			Dur("duration", duration).
			Msg("Response published")
	}

	metrics.RecordInvocation(env.Context.FunctionName, string(status), duration)
	t.record(ctx, env, status, duration, result)
}

// execute runs the handler and maps its outcome to the value published
// in the response envelope. Failures become a tagged error surrogate
// rather than leaving the cloud side to hang to its deadline.
func (t *Tunnel) execute(ctx context.Context, env *InvocationEnvelope) (any, history.Status) {
	if t.filter != nil && !t.filter.Match(env.Context.FunctionName) {
		log.Warn().
			Str("function", env.Context.FunctionName).
			Str("filter", t.cfg.FunctionFilter).
			Msg("Function not served by this tunnel")
		return &ErrorSurrogate{Error: SurrogateDetail{
			ErrorType:    errorTypeFiltered,
			ErrorMessage: "function " + env.Context.FunctionName + " is not served by this tunnel",
		}}, history.StatusFiltered
	}

	desc := runtime.Descriptor{
		SourcePath: env.Context.HandlerPath,
		Export:     env.Context.HandlerName,
	}

	invCtx, err := json.Marshal(env.Context)
	if err != nil {
		invCtx = json.RawMessage("{}")
	}

	result, err := t.executor.Execute(ctx, desc, env.EventPayload, invCtx)
	if err == nil {
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return result, history.StatusOK
	}

	log.Error().Err(err).
		Str("request_id", env.RequestID).
		Str("handler", desc.SourcePath+"#"+desc.Export).
		Msg("Handler execution failed")

	errType := errorTypeHandler
	if errors.Is(err, runtime.ErrNotCallable) {
		errType = errorTypeNotCallable
	}
	return &ErrorSurrogate{Error: SurrogateDetail{
		ErrorType:    errType,
		ErrorMessage: err.Error(),
	}}, history.StatusError
}

func (t *Tunnel) record(ctx context.Context, env *InvocationEnvelope, status history.Status, duration time.Duration, result any) {
	if t.recorder == nil {
		return
	}

	rec := &history.Record{
		RequestID:    env.RequestID,
		FunctionName: env.Context.FunctionName,
		Handler:      env.Context.HandlerPath + "#" + env.Context.HandlerName,
		Status:       status,
		DurationMS:   duration.Milliseconds(),
		StartedAt:    time.Now().Add(-duration),
	}
	if surrogate, ok := result.(*ErrorSurrogate); ok {
		rec.Error = surrogate.Error.ErrorMessage
	}

	if err := t.recorder.Record(ctx, rec); err != nil {
		log.Debug().Err(err).Str("request_id", env.RequestID).Msg("Failed to record invocation")
	}
}
