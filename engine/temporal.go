// Durable backend: a long-lived TemporalWorker registers one workflow and
// two activities against a task queue; Temporal, the cheap Runner value
// bound to a Pipe, dispatches a run through it. Grounded on
// runtime/agent/engine/temporal/engine.go's client/worker construction,
// instrumentation wiring, and RegisterWorkflowWithOptions/
// RegisterActivityWithOptions registration pattern, narrowed to the one
// fixed GENERATE/EXECUTE loop spec.md §4.5 describes rather than the
// teacher's generic multi-queue, multi-workflow abstraction.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/conversation"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
)

const (
	temporalWorkflowName    = "conduitEngineRun"
	temporalGenerateActName = "conduitEngineGenerate"
	temporalExecuteActName  = "conduitEngineExecute"
)

// TemporalOptions configures NewTemporalWorker. Client lets a caller supply
// an already-constructed Temporal client (e.g. shared across multiple
// queues); when nil, one is built with client.NewLazyClient and owned (and
// later closed) by the returned *TemporalWorker.
type TemporalOptions struct {
	Client         client.Client
	ClientOptions  *client.Options
	TaskQueue      string
	DisableTracing bool
	DisableMetrics bool
}

// pendingRun stashes the per-call state that cannot cross the
// workflow/activity JSON boundary: generation.Options carries a live
// ToolRegistry and Cache (both tagged json:"-" in package generation), and
// Pipe is a Go closure. Activities look these up by run key instead,
// mirroring the teacher's runID-keyed workflowContexts/baseContexts
// sync.Maps. This is why a TemporalWorker's activities must run in the
// same process as the Temporal.Run call that started the workflow: there
// is no wire format for a ToolRegistry.
type pendingRun struct {
	pipe Pipe
	opts generation.Options
}

// TemporalWorker owns the Temporal client and worker for a single task
// queue: the expensive, long-lived half of the durable backend, started
// once by the composition root. Temporal (the Runner) is the cheap,
// per-call half, constructed fresh exactly like Loop.
type TemporalWorker struct {
	cli         client.Client
	closeClient bool
	taskQueue   string
	worker      worker.Worker
	pending     sync.Map // run key -> *pendingRun

	startOnce sync.Once
}

// NewTemporalWorker builds the client (unless supplied) and worker for
// opts.TaskQueue, registering the fixed GENERATE/EXECUTE workflow and
// activities. Call Start to begin polling the task queue, and Close when
// done to release the client (if owned).
func NewTemporalWorker(opts TemporalOptions) (*TemporalWorker, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("engine: temporal worker requires a task queue")
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		clientOpts := client.Options{}
		if opts.ClientOptions != nil {
			clientOpts = *opts.ClientOptions
		}
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("engine: configure temporal tracing: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		if !opts.DisableMetrics && clientOpts.MetricsHandler == nil {
			clientOpts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("engine: create temporal client: %w", err)
		}
		closeClient = true
	}

	w := &TemporalWorker{cli: cli, closeClient: closeClient, taskQueue: opts.TaskQueue}

	wk := worker.New(cli, opts.TaskQueue, worker.Options{})
	wk.RegisterWorkflowWithOptions(w.runWorkflow, workflow.RegisterOptions{Name: temporalWorkflowName})
	wk.RegisterActivityWithOptions(w.generateActivity, activity.RegisterOptions{Name: temporalGenerateActName})
	wk.RegisterActivityWithOptions(w.executeActivity, activity.RegisterOptions{Name: temporalExecuteActName})
	w.worker = wk

	return w, nil
}

// Start begins polling the task queue in a background goroutine, mirroring
// the teacher's workerBundle.start: safe to call more than once, only the
// first call takes effect.
func (w *TemporalWorker) Start() {
	w.startOnce.Do(func() {
		go func() {
			_ = w.worker.Run(worker.InterruptCh())
		}()
	})
}

// Stop drains and stops the worker, without closing the client.
func (w *TemporalWorker) Stop() {
	w.worker.Stop()
}

// Close stops the worker and closes the client if it was built by
// NewTemporalWorker rather than supplied via TemporalOptions.Client.
func (w *TemporalWorker) Close() error {
	w.Stop()
	if w.closeClient && w.cli != nil {
		w.cli.Close()
	}
	return nil
}

// Temporal is a durable Runner bound to one TemporalWorker and one Pipe,
// constructed fresh per call exactly like Loop (see conduit.RunPrompt's
// &engine.Loop{Pipe: ...} construction). Each GENERATE/EXECUTE transition
// of the conversation's state machine becomes one Temporal activity
// dispatched through Worker; spec.md's semantics (state is a pure function
// of trailing messages, max_steps bound, no raise on exhaustion) hold
// unchanged — only the transitions move off the calling goroutine. The
// per-run state the activities need lives in the Worker's process memory
// (see pendingRun), so a run does not survive a restart of the process
// that called Run.
type Temporal struct {
	Worker *TemporalWorker
	Pipe   Pipe
}

var _ Runner = (*Temporal)(nil)

// Run starts the registered workflow and blocks for its result, stashing
// opts and t.Pipe in the worker's pending map under a random run key so
// the workflow's activities (running in this same process) can retrieve
// them without serializing a ToolRegistry or a Pipe closure onto the wire.
func (t *Temporal) Run(ctx context.Context, conv *conversation.Conversation, params generation.Params, opts generation.Options, maxSteps int) (*conversation.Conversation, *conduiterr.Error) {
	if t.Worker == nil {
		return conv, conduiterr.New(conduiterr.CategoryClient, conduiterr.CodeValidationError, "engine: temporal runner has no worker configured")
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	key := newRunKey()
	t.Worker.pending.Store(key, &pendingRun{pipe: t.Pipe, opts: opts})
	defer t.Worker.pending.Delete(key)

	wfOpts := client.StartWorkflowOptions{TaskQueue: t.Worker.taskQueue}
	in := temporalRunInput{RunKey: key, Messages: conv.Messages, Params: params, MaxSteps: maxSteps}

	run, err := t.Worker.cli.ExecuteWorkflow(ctx, wfOpts, temporalWorkflowName, in)
	if err != nil {
		return conv, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeConnectionError, "engine: start temporal workflow", err)
	}

	var out temporalRunOutput
	if err := run.Get(ctx, &out); err != nil {
		return conv, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeConnectionError, "engine: temporal workflow failed", err)
	}
	conv.Messages = out.Messages
	return conv, nil
}

// newRunKey generates the correlation key threaded through workflow input
// so activities can look up pendingRun, mirroring conversation.newID's
// crypto/rand-backed random hex ID.
func newRunKey() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// temporalRunInput/temporalRunOutput and temporalStepInput/
// temporalStepOutput are the JSON-serializable payloads crossing the
// workflow/activity boundary: message.Message already round-trips via its
// MarshalJSON/UnmarshalJSON (see message/json.go), so the conversation
// transcript needs no extra codec work here.
type (
	temporalRunInput struct {
		RunKey   string
		Messages []message.Message
		Params   generation.Params
		MaxSteps int
	}

	temporalRunOutput struct {
		Messages []message.Message
	}

	temporalStepInput struct {
		RunKey   string
		Messages []message.Message
		Params   generation.Params
	}

	temporalStepOutput struct {
		Messages []message.Message
	}
)

// runWorkflow drives the same GENERATE/EXECUTE/TERMINATE/INCOMPLETE
// transition table as Loop.Run, but dispatches each GENERATE and EXECUTE
// step as a Temporal activity instead of a direct function call.
// Conversation.State is a pure function of in.Messages, so calling it
// directly here is deterministic and safe for workflow code.
func (w *TemporalWorker) runWorkflow(ctx workflow.Context, in temporalRunInput) (temporalRunOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
	})

	conv := &conversation.Conversation{Messages: in.Messages}
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	for step := 0; step < maxSteps; step++ {
		switch conv.State() {
		case conversation.StateTerminate:
			return temporalRunOutput{Messages: conv.Messages}, nil

		case conversation.StateIncomplete:
			return temporalRunOutput{}, fmt.Errorf("engine: conversation is not in a valid state to run: missing system/user opener or an unanswered tool call")

		case conversation.StateGenerate:
			var out temporalStepOutput
			stepIn := temporalStepInput{RunKey: in.RunKey, Messages: conv.Messages, Params: in.Params}
			if err := workflow.ExecuteActivity(ctx, temporalGenerateActName, stepIn).Get(ctx, &out); err != nil {
				return temporalRunOutput{}, err
			}
			conv.Messages = out.Messages

		case conversation.StateExecute:
			var out temporalStepOutput
			stepIn := temporalStepInput{RunKey: in.RunKey, Messages: conv.Messages}
			if err := workflow.ExecuteActivity(ctx, temporalExecuteActName, stepIn).Get(ctx, &out); err != nil {
				return temporalRunOutput{}, err
			}
			conv.Messages = out.Messages
		}
	}

	return temporalRunOutput{Messages: conv.Messages}, nil
}

// generateActivity and executeActivity reuse Loop's existing unexported
// step methods (generate/execute) against a throwaway *Loop built from the
// pendingRun's Pipe, so the GENERATE/EXECUTE step logic is written once
// and shared between the in-process and durable backends.

func (w *TemporalWorker) generateActivity(ctx context.Context, in temporalStepInput) (temporalStepOutput, error) {
	pr, ok := w.lookupPending(in.RunKey)
	if !ok {
		return temporalStepOutput{}, fmt.Errorf("engine: temporal runner: no pending run for key %s (the activity worker must run in the same process as the Temporal.Run call)", in.RunKey)
	}
	loop := &Loop{Pipe: pr.pipe}
	conv := &conversation.Conversation{Messages: in.Messages}
	if cerr := loop.generate(ctx, conv, in.Params, pr.opts); cerr != nil {
		return temporalStepOutput{}, cerr
	}
	return temporalStepOutput{Messages: conv.Messages}, nil
}

func (w *TemporalWorker) executeActivity(ctx context.Context, in temporalStepInput) (temporalStepOutput, error) {
	pr, ok := w.lookupPending(in.RunKey)
	if !ok {
		return temporalStepOutput{}, fmt.Errorf("engine: temporal runner: no pending run for key %s", in.RunKey)
	}
	loop := &Loop{Pipe: pr.pipe}
	conv := &conversation.Conversation{Messages: in.Messages}
	if cerr := loop.execute(ctx, conv, pr.opts); cerr != nil {
		return temporalStepOutput{}, cerr
	}
	return temporalStepOutput{Messages: conv.Messages}, nil
}

func (w *TemporalWorker) lookupPending(key string) (*pendingRun, bool) {
	v, ok := w.pending.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*pendingRun), true
}
