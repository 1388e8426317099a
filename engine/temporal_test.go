package engine

import (
	"context"
	"testing"

	"goa.design/conduit/conversation"
	"goa.design/conduit/generation"
)

func TestNewTemporalWorkerRequiresTaskQueue(t *testing.T) {
	if _, err := NewTemporalWorker(TemporalOptions{}); err == nil {
		t.Fatalf("expected an error when TaskQueue is empty")
	}
}

func TestTemporalRunWithoutWorkerIsValidationError(t *testing.T) {
	r := &Temporal{}
	conv := &conversation.Conversation{}
	_, cerr := r.Run(context.Background(), conv, generation.Params{}, generation.Options{}, 0)
	if cerr == nil {
		t.Fatalf("expected an error when Worker is nil")
	}
}

func TestPendingRunLookupRoundTrips(t *testing.T) {
	w := &TemporalWorker{}
	want := &pendingRun{opts: generation.Options{ProjectName: "conduit"}}
	w.pending.Store("run-1", want)

	got, ok := w.lookupPending("run-1")
	if !ok {
		t.Fatalf("expected a pending run for key %q", "run-1")
	}
	if got.opts.ProjectName != want.opts.ProjectName {
		t.Fatalf("got %+v, want %+v", got.opts, want.opts)
	}

	if _, ok := w.lookupPending("missing"); ok {
		t.Fatalf("expected no pending run for an unknown key")
	}
}

func TestNewRunKeyIsUnique(t *testing.T) {
	a, b := newRunKey(), newRunKey()
	if a == "" || b == "" {
		t.Fatalf("expected non-empty run keys")
	}
	if a == b {
		t.Fatalf("expected distinct run keys, got %q twice", a)
	}
}
