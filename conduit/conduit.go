// Package conduit is the orchestration object that binds a prompt template
// to a model with a set of options: one call renders a prompt, appends it
// as a user turn, runs it through the engine FSM, and optionally persists
// the result (spec.md §4.6). It is the composition root that ties
// llmmodel, middleware, engine, and conversation together — each of those
// packages stays free of imports on the others to avoid cycles, and
// conduit is where they are wired.
package conduit

import (
	"context"
	"strings"
	"text/template"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/conversation"
	"goa.design/conduit/engine"
	"goa.design/conduit/generation"
	"goa.design/conduit/llmmodel"
	"goa.design/conduit/message"
	"goa.design/conduit/middleware"
	"goa.design/conduit/runtime/agent/telemetry"
)

// Renderer turns a prompt template plus input variables into a prompt
// string. Template rendering itself is an out-of-scope external
// collaborator per spec.md's Out-of-scope list ("template rendering...
// treated as opaque string-in/string-out"); Renderer is the seam a caller
// plugs a real templating engine into. DefaultRenderer is a convenience
// implementation using only the standard library, since spec.md
// deliberately does not name a templating library for the core to depend
// on — there is no pack dependency to ground a choice on here.
type Renderer func(tmpl string, vars map[string]any) (string, error)

// DefaultRenderer renders tmpl as a text/template against vars.
func DefaultRenderer(tmpl string, vars map[string]any) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Options is the full caller-facing ConduitOptions (spec.md §3): the
// generation.Options subset that Middleware/Engine need, plus the
// Repository and Console/Render collaborators that only make sense at
// this composition root (generation.Options documents why they are not
// declared there directly: doing so would force an import cycle back
// from conversation/middleware into generation).
type Options struct {
	generation.Options
	Repository conversation.Repository
	Console    middleware.Display
	Render     Renderer
}

// Conduit binds a model resolver, middleware chain, optional rate
// limiter, and engine configuration into a single reusable orchestrator.
type Conduit struct {
	Models      *llmmodel.ModelStore
	Mode        llmmodel.ExecutionMode
	Middleware  middleware.Chain
	RateLimiter *middleware.AdaptiveRateLimiter
	MaxSteps    int
	Logger      telemetry.Logger
}

// New returns a Conduit resolving models from store in ExecutionSync mode,
// with a pass-through middleware chain and no rate limiter. Callers
// override fields directly (Conduit is a plain struct, not a builder).
func New(store *llmmodel.ModelStore) *Conduit {
	return &Conduit{Models: store, Mode: llmmodel.ExecutionSync}
}

// Run renders tmpl against vars, then behaves exactly like RunPrompt with
// the rendered string. This is spec.md §4.6's template-mode entry point,
// and §4.7's Batch template-mode iterates it per input-variable map.
func (c *Conduit) Run(ctx context.Context, conversationID, tmpl string, vars map[string]any, params generation.Params, opts Options) (*conversation.Conversation, *conduiterr.Error) {
	render := opts.Render
	if render == nil {
		render = DefaultRenderer
	}
	prompt, err := render(tmpl, vars)
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "conduit: render prompt template", err)
	}
	return c.RunPrompt(ctx, conversationID, prompt, params, opts)
}

// RunPrompt appends prompt as a new user turn onto the conversation
// identified by conversationID (preparing/loading/pruning/recovering it
// per spec.md §4.6), runs the engine FSM, and persists the result if a
// Repository is configured. This is spec.md §4.7's string-mode entry
// point; Run (template mode) is built on top of it.
func (c *Conduit) RunPrompt(ctx context.Context, conversationID, prompt string, params generation.Params, opts Options) (*conversation.Conversation, *conduiterr.Error) {
	conv, cerr := c.prepareConversation(ctx, conversationID, params, opts)
	if cerr != nil {
		return nil, cerr
	}
	conv.Append(message.NewUser(prompt))

	model, ok := c.Models.GetModel(params.Model, c.Mode)
	if !ok {
		return nil, conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeUnknownModel,
			"conduit: no client registered for model "+params.Model)
	}

	pipe := middleware.Pipe(model.Pipe)
	if c.RateLimiter != nil {
		pipe = c.RateLimiter.Wrap(pipe)
	}
	pipe = c.Middleware.Wrap(pipe)

	loop := &engine.Loop{Pipe: engine.Pipe(pipe), Logger: c.Logger}
	maxSteps := c.MaxSteps
	out, cerr := loop.Run(ctx, conv, params, opts.Options, maxSteps)
	if cerr != nil {
		// Errors surface to the caller without persisting a tainted
		// conversation, per spec.md §7's propagation policy.
		return nil, cerr
	}

	if opts.Repository != nil {
		if err := opts.Repository.Save(ctx, out); err != nil {
			return out, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeValidationError, "conduit: persist conversation", err)
		}
	}
	return out, nil
}

// prepareConversation implements spec.md §4.6(b): load the prior
// conversation when persistence_mode is resume and a Repository is
// configured, start fresh otherwise; prune to max_history; ensure the
// leading system message matches params.System; and apply the crash-
// recovery rule (drop a dangling trailing user message).
func (c *Conduit) prepareConversation(ctx context.Context, conversationID string, params generation.Params, opts Options) (*conversation.Conversation, *conduiterr.Error) {
	var conv *conversation.Conversation

	if opts.Repository != nil && opts.PersistenceMode != generation.PersistenceOverwrite {
		loaded, err := opts.Repository.Load(ctx, conversationID)
		switch {
		case err == nil:
			conv = loaded
		case err == conversation.ErrNotFound:
			conv = &conversation.Conversation{ID: conversationID}
		default:
			return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeValidationError, "conduit: load conversation", err)
		}
	} else {
		conv = &conversation.Conversation{ID: conversationID}
	}

	conv.TruncateHistory(opts.MaxHistory)
	ensureSystemMessage(conv, params.System)
	// Crash recovery: a trailing USER message means a prior run crashed
	// before the assistant replied; drop it for idempotent resubmission.
	conv.DropTrailingIfUser()

	return conv, nil
}

// ensureSystemMessage makes conv's leading message match wantSystem:
// absent and wantSystem set -> prepend one; present and different ->
// replace it; present and wantSystem empty -> drop it; already matching
// -> no-op.
func ensureSystemMessage(conv *conversation.Conversation, wantSystem string) {
	hasSystem := len(conv.Messages) > 0 && conv.Messages[0].Role == message.RoleSystem

	switch {
	case !hasSystem && wantSystem != "":
		conv.Messages = append([]message.Message{message.NewSystem(wantSystem)}, conv.Messages...)
	case hasSystem && wantSystem == "":
		conv.Messages = conv.Messages[1:]
	case hasSystem && conv.Messages[0].Content != wantSystem:
		conv.Messages[0] = message.NewSystem(wantSystem)
	}
}
