// Package engine drives a Conversation through the GENERATE/EXECUTE/
// TERMINATE/INCOMPLETE finite-state machine (spec.md §4.5). State is never
// stored on the engine: it is recomputed from the conversation's trailing
// message(s) on every step via conversation.Conversation.State.
//
// Runner is a pluggable-backend seam, mirroring the teacher's
// runtime/agent/engine.Engine abstraction (workflow registration/execution
// swappable between in-process and durable backends): Loop is the default,
// in-process implementation; a durable backend (e.g. Temporal, one
// activity per GENERATE/EXECUTE transition) can implement Runner without
// touching callers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/conversation"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
	"goa.design/conduit/runtime/agent/telemetry"
)

// DefaultMaxSteps is the max_steps bound applied when a caller passes 0,
// per spec.md §4.5's Engine.run(..., max_steps=10) default.
const DefaultMaxSteps = 10

// Pipe is the shape of the already-middleware-wrapped call the Engine
// invokes on GENERATE: build a Request, get a Response. Supplied by the
// caller (conduit package) already wrapped with caching/display/telemetry
// (middleware.Chain) and rate limiting, so Engine itself stays agnostic of
// those concerns.
type Pipe func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error)

// Runner executes the FSM loop over a conversation until it reaches
// TERMINATE, hits an unrecoverable INCOMPLETE state, or exhausts maxSteps.
type Runner interface {
	Run(ctx context.Context, conv *conversation.Conversation, params generation.Params, opts generation.Options, maxSteps int) (*conversation.Conversation, *conduiterr.Error)
}

// Loop is the default, in-process Runner: a single goroutine driving
// direct function calls, exactly as spec.md §4.5 specifies (no durable
// substrate). This is what package conduit uses by default and what the
// property-test suite in spec.md §8 exercises.
type Loop struct {
	// Pipe performs one GENERATE call (request build already done by Run;
	// Pipe is the provider round-trip plus whatever middleware the caller
	// wrapped it with).
	Pipe Pipe
	// Logger receives the max_steps-exhaustion warning. Defaults to a
	// no-op logger when nil.
	Logger telemetry.Logger
}

var _ Runner = (*Loop)(nil)

// Run drives conv through GENERATE/EXECUTE transitions until TERMINATE,
// INCOMPLETE, or maxSteps transitions have elapsed, per spec.md §4.5's
// transition table. maxSteps <= 0 uses DefaultMaxSteps.
func (l *Loop) Run(ctx context.Context, conv *conversation.Conversation, params generation.Params, opts generation.Options, maxSteps int) (*conversation.Conversation, *conduiterr.Error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	logger := l.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	for step := 0; step < maxSteps; step++ {
		switch conv.State() {
		case conversation.StateTerminate:
			return conv, nil

		case conversation.StateIncomplete:
			return conv, conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeIncompleteConversation,
				"conversation is not in a valid state to run: missing system/user opener or an unanswered tool call")

		case conversation.StateGenerate:
			if cerr := l.generate(ctx, conv, params, opts); cerr != nil {
				return conv, cerr
			}

		case conversation.StateExecute:
			if cerr := l.execute(ctx, conv, opts); cerr != nil {
				return conv, cerr
			}
		}
	}

	logger.Warn(ctx, "engine: max_steps exhausted, returning current conversation",
		"conversation_id", conv.ID, "max_steps", maxSteps)
	return conv, nil
}

// generate builds a Request from the conversation and params, calls Pipe,
// and appends the returned AssistantMessage.
func (l *Loop) generate(ctx context.Context, conv *conversation.Conversation, params generation.Params, opts generation.Options) *conduiterr.Error {
	if l.Pipe == nil {
		return conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeValidationError, "engine: no Pipe configured")
	}
	req := generation.Request{
		Messages: conv.Messages,
		Params:   params,
		Options:  opts,
	}
	if opts.ToolRegistry != nil {
		req.Tools = opts.ToolRegistry.Definitions()
	}

	resp, cerr := l.Pipe(ctx, req)
	if cerr != nil {
		return cerr
	}
	conv.Append(resp.Message)
	return nil
}

// execute invokes each ToolCall in the trailing AssistantMessage in
// emission order, appending a ToolMessage per call in that same order,
// per spec.md §4.5's ordering rule (no parallel tool execution).
func (l *Loop) execute(ctx context.Context, conv *conversation.Conversation, opts generation.Options) *conduiterr.Error {
	last, ok := conv.Last()
	if !ok || last.Role != message.RoleAssistant {
		return conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeIncompleteConversation,
			"engine: EXECUTE state reached without a trailing assistant tool call")
	}

	for _, tc := range last.ToolCalls {
		content, cerr := l.invokeTool(opts, tc)
		if cerr != nil {
			return cerr
		}
		conv.Append(message.NewTool(tc.ID, content))
	}
	return nil
}

func (l *Loop) invokeTool(opts generation.Options, tc message.ToolCallBlock) (string, *conduiterr.Error) {
	if opts.ToolRegistry == nil {
		return "", conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeValidationError,
			fmt.Sprintf("engine: tool %q requested but no tool_registry configured", tc.Function))
	}
	tool, ok := opts.ToolRegistry.Lookup(tc.Function)
	if !ok {
		return "", conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeValidationError,
			fmt.Sprintf("engine: unknown tool %q", tc.Function))
	}
	if schema := inputSchemaFor(opts, tc.Function); schema != nil {
		if err := generation.ValidateArguments(schema, tc.Arguments); err != nil {
			// Bad arguments are reported back to the model the same way a
			// tool-runtime failure is: in-band as the tool's result content,
			// not an engine-halting error, so the model gets a chance to
			// retry with corrected arguments.
			return fmt.Sprintf("error: %s", err.Error()), nil
		}
	}
	result, err := tool.Invoke(tc.Arguments)
	if err != nil {
		// A tool failure is reported back to the model as its result
		// content, not as an engine-halting error: the assistant gets a
		// chance to recover (retry with different arguments, apologize,
		// etc.), matching how provider adapters surface tool errors.
		return fmt.Sprintf("error: %s", err.Error()), nil
	}
	return result, nil
}

// inputSchemaFor looks up the InputSchema a tool was registered with, so
// invokeTool can validate arguments against it before calling the tool.
// Returns nil when the registry didn't advertise one.
func inputSchemaFor(opts generation.Options, name string) json.RawMessage {
	for _, def := range opts.ToolRegistry.Definitions() {
		if def.Name == name {
			return def.InputSchema
		}
	}
	return nil
}
