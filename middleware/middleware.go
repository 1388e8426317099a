// Package middleware implements the single composed interceptor wrapping
// Model.Pipe: cache probe, display lifecycle, and telemetry emission
// (spec.md §4.3). It is deliberately re-entrant — each call through Wrap
// acquires its own display handle — so nested tool-execution sub-requests
// do not share state, mirroring the teacher's Subscription-per-Register
// shape in runtime/agent/hooks/bus.go.
package middleware

import (
	"context"
	"time"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
)

// Pipe is the shape of Model.Pipe: the thing middleware wraps.
type Pipe func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error)

// Display starts a progress indicator for a single generation call, keyed
// on (model name, query preview), active for verbosity >= PROGRESS.
type Display interface {
	Start(modelName, queryPreview string) DisplayHandle
}

// DisplayHandle is the lifecycle of a single display session. Exactly one
// of Complete or Fail is called, exactly once.
type DisplayHandle interface {
	Complete()
	Fail(err *conduiterr.Error)
}

// TokenEvent is the unit of usage telemetry emitted after a successful
// generation call (spec.md §4.9); Provider is filled in via ProviderLookup
// when available, left empty otherwise.
type TokenEvent struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	TimestampS   int64
	Host         string
}

// TelemetrySink receives TokenEvents emitted by the middleware. Defined
// here rather than imported from package odometer so middleware does not
// need to depend on odometer's durability machinery — odometer.Registry
// implements this interface.
type TelemetrySink interface {
	Emit(event TokenEvent)
}

// ProviderLookup resolves a model name to its provider, e.g.
// llmmodel.ModelStore.IdentifyProvider, threaded in rather than imported
// directly to avoid a middleware->llmmodel dependency.
type ProviderLookup func(modelName string) (provider string, ok bool)

// Chain holds the optional collaborators the middleware wraps around Pipe.
// A zero-value Chain (no cache, no display, no telemetry) is valid and
// behaves as a pass-through.
type Chain struct {
	Cache        generation.Cache
	Display      Display
	Telemetry    TelemetrySink
	Provider     ProviderLookup
	Host         string
	NowUnix      func() int64
	QueryPreview func(req generation.Request) string
}

// Wrap composes next with cache probe/write, display lifecycle, and
// telemetry emission, per spec.md §4.3 steps 1-5.
func (c Chain) Wrap(next Pipe) Pipe {
	return func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		if cerr := generation.ValidateSchemas(req); cerr != nil {
			return nil, cerr
		}

		key := req.CacheKey()

		if c.Cache != nil {
			if resp, ok := c.Cache.Get(key); ok {
				cached := *resp
				cached.Metadata.Duration = 0
				return &cached, nil
			}
		}

		var handle DisplayHandle
		if c.Display != nil && req.Options.Verbosity != generation.VerbositySilent {
			handle = c.Display.Start(req.Params.Model, c.preview(req))
		}

		start := time.Now()
		resp, cerr := next(ctx, req)
		if cerr != nil {
			if handle != nil {
				handle.Fail(cerr)
			}
			return nil, cerr
		}
		resp.Metadata.Duration = time.Since(start)
		if resp.Metadata.Timestamp.IsZero() {
			resp.Metadata.Timestamp = start
		}

		if c.Cache != nil {
			c.Cache.Set(key, resp)
		}
		if handle != nil {
			handle.Complete()
		}
		if c.Telemetry != nil {
			c.Telemetry.Emit(c.tokenEvent(req.Params.Model, resp))
		}
		return resp, nil
	}
}

func (c Chain) preview(req generation.Request) string {
	if c.QueryPreview != nil {
		return c.QueryPreview(req)
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Content != "" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func (c Chain) tokenEvent(model string, resp *generation.Response) TokenEvent {
	provider := ""
	if c.Provider != nil {
		provider, _ = c.Provider(model)
	}
	now := time.Now().Unix()
	if c.NowUnix != nil {
		now = c.NowUnix()
	}
	return TokenEvent{
		Provider:     provider,
		Model:        model,
		InputTokens:  resp.Metadata.InputTokens,
		OutputTokens: resp.Metadata.OutputTokens,
		TimestampS:   now,
		Host:         c.Host,
	}
}
