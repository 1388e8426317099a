// Package llmmodel implements the Model layer (spec.md §4.2): a thin,
// stateless identity wrapper around a provider.Client, plus the
// process-singleton ModelStore that looks the client up by
// (model name, execution mode) so a Model never owns its Client directly.
// Grounded on runtime/agent/model/model.go's Client/Streamer contract and
// the teacher's registry/store/memory in-memory registry shape.
package llmmodel

import (
	"context"
	"fmt"
	"sync"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
	"goa.design/conduit/modelcatalog"
	"goa.design/conduit/provider"
)

// Model is an identity wrapper around a provider.Client: it holds a model
// name and exposes Pipe, but carries no caching, telemetry, or middleware
// state of its own — those concerns live in package middleware, which wraps
// Pipe from the outside.
type Model struct {
	name   string
	client provider.Client
}

// New builds a Model bound to name and client. Most callers should instead
// look a Model up via ModelStore.GetModel, which resolves the client from
// the process-wide registry rather than wiring one in directly.
func New(name string, client provider.Client) *Model {
	return &Model{name: name, client: client}
}

// Name returns the model's identity.
func (m *Model) Name() string {
	return m.name
}

// Pipe performs a single non-streaming generation call through the
// client's Complete; a request with req.Params.Stream set is rejected with
// a validation error (use PipeStream). It is the sole entry point
// middleware wraps with cache/display/telemetry behavior.
func (m *Model) Pipe(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	if req.Params.Model != "" && req.Params.Model != m.name {
		return nil, conduiterr.ValidationError(fmt.Sprintf("llmmodel: request model %q does not match bound model %q", req.Params.Model, m.name))
	}
	req.Params.Model = m.name
	if req.Params.Stream {
		return nil, conduiterr.ValidationError("llmmodel: Pipe does not support streaming requests, use PipeStream")
	}
	return m.client.Complete(ctx, req)
}

// PipeStream performs a streaming generation call, returning a Streamer
// the caller drains via Recv until it returns ok=false.
func (m *Model) PipeStream(ctx context.Context, req generation.Request) (provider.Streamer, *conduiterr.Error) {
	if req.Params.Model != "" && req.Params.Model != m.name {
		return nil, conduiterr.ValidationError(fmt.Sprintf("llmmodel: request model %q does not match bound model %q", req.Params.Model, m.name))
	}
	req.Params.Model = m.name
	return m.client.Stream(ctx, req)
}

// Tokenize delegates to the underlying client's tokenizer.
func (m *Model) Tokenize(ctx context.Context, payload any) (int, *conduiterr.Error) {
	return m.client.Tokenize(ctx, m.name, payload)
}

// PrepareRequest normalizes a string-or-[]message.Message query input into a
// message slice, validates it against the model's capabilities (vision and
// audio support, looked up from catalog), and stamps params.Model with the
// bound model name when unset.
func PrepareRequest(modelName string, queryInput any, params generation.Params, catalog *modelcatalog.Store) ([]message.Message, generation.Params, *conduiterr.Error) {
	var msgs []message.Message
	switch v := queryInput.(type) {
	case string:
		msgs = []message.Message{message.NewUser(v)}
	case []message.Message:
		msgs = v
	case message.Message:
		msgs = []message.Message{v}
	default:
		return nil, params, conduiterr.ValidationError("llmmodel: query input must be a string, message.Message, or []message.Message")
	}

	if params.Model == "" {
		params.Model = modelName
	} else if params.Model != modelName {
		return nil, params, conduiterr.ValidationError(fmt.Sprintf("llmmodel: params.Model %q does not match model %q", params.Model, modelName))
	}

	if catalog != nil {
		if caps, ok := catalog.Lookup(modelName); ok {
			if cerr := validateModality(msgs, caps); cerr != nil {
				return nil, params, cerr
			}
		}
	}
	return msgs, params, nil
}

func validateModality(msgs []message.Message, caps modelcatalog.Capabilities) *conduiterr.Error {
	for _, m := range msgs {
		for _, b := range m.Blocks {
			switch b.(type) {
			case message.ImageBlock:
				if !caps.SupportsVision {
					return conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeUnsupportedModality, "llmmodel: model does not support image input")
				}
			case message.AudioBlock:
				if !caps.SupportsAudio {
					return conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeUnsupportedModality, "llmmodel: model does not support audio input")
				}
			}
		}
	}
	return nil
}

// ExecutionMode selects which client variant ModelStore resolves for a
// given model name: an in-process synchronous client, an async one, or a
// server-brokered provider/remote client.
type ExecutionMode string

const (
	ExecutionSync   ExecutionMode = "sync"
	ExecutionAsync  ExecutionMode = "async"
	ExecutionRemote ExecutionMode = "remote"
)

// ModelStore is the process-singleton registry of (model name, execution
// mode) -> provider.Client, plus the immutable capability catalog backing
// IdentifyProvider and GetContextWindow. A Model does not own its Client;
// callers resolve one through GetModel instead of wiring a Client directly.
type ModelStore struct {
	mu      sync.RWMutex
	catalog *modelcatalog.Store
	clients map[string]map[ExecutionMode]provider.Client
}

// NewModelStore builds an empty ModelStore backed by catalog.
func NewModelStore(catalog *modelcatalog.Store) *ModelStore {
	return &ModelStore{
		catalog: catalog,
		clients: make(map[string]map[ExecutionMode]provider.Client),
	}
}

// Register binds client to (modelName, mode), overwriting any prior
// registration for that pair.
func (s *ModelStore) Register(modelName string, mode ExecutionMode, client provider.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byMode, ok := s.clients[modelName]
	if !ok {
		byMode = make(map[ExecutionMode]provider.Client)
		s.clients[modelName] = byMode
	}
	byMode[mode] = client
}

// GetClient resolves the registered client for (modelName, mode).
func (s *ModelStore) GetClient(modelName string, mode ExecutionMode) (provider.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byMode, ok := s.clients[modelName]
	if !ok {
		return nil, false
	}
	client, ok := byMode[mode]
	return client, ok
}

// GetModel resolves a Model bound to modelName's registered client for mode.
func (s *ModelStore) GetModel(modelName string, mode ExecutionMode) (*Model, bool) {
	client, ok := s.GetClient(modelName, mode)
	if !ok {
		return nil, false
	}
	return New(modelName, client), true
}

// IdentifyProvider returns the provider name registered for modelName in
// the capability catalog.
func (s *ModelStore) IdentifyProvider(modelName string) (string, bool) {
	if s.catalog == nil {
		return "", false
	}
	return s.catalog.IdentifyProvider(modelName)
}

// GetContextWindow returns modelName's context window from the capability
// catalog, or fallback when unknown.
func (s *ModelStore) GetContextWindow(modelName string, fallback int) int {
	if s.catalog == nil {
		return fallback
	}
	return s.catalog.ContextWindow(modelName, fallback)
}
