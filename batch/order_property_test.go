package batch

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/conduit/generation"
)

// TestRunStringsPropertyPreservesOrder is spec.md §8 invariant 7: regardless
// of how many prompts are dispatched or how tight the concurrency bound is,
// result[i] must correspond to input[i] — concurrent completion order must
// never leak into the returned slice's order.
func TestRunStringsPropertyPreservesOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("RunStrings results stay aligned with their inputs", prop.ForAll(
		func(n, maxConcurrent int) bool {
			client := &countingClient{}
			b, repo := newTestBatch(client)

			ids := make([]string, n)
			prompts := make([]string, n)
			for i := 0; i < n; i++ {
				ids[i] = fmt.Sprintf("conv-%d", i)
				prompts[i] = fmt.Sprintf("prompt-%d", i)
			}

			opts := Options{MaxConcurrent: maxConcurrent}
			opts.Repository = repo
			results := b.RunStrings(context.Background(), ids, prompts, generation.Params{Model: "test-model"}, opts)

			if len(results) != n {
				return false
			}
			for i, r := range results {
				if r.Err != nil {
					return false
				}
				want := fmt.Sprintf("reply to prompt-%d", i)
				last := r.Conversation.Messages[len(r.Conversation.Messages)-1]
				if last.Content != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
