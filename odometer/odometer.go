// Package odometer implements spec.md §4.9's usage telemetry subsystem: an
// in-memory aggregation layer kept current on every TokenEvent, and a
// Registry that also buffers events for a durable Postgres-backed layer
// (see durable.go) flushed on a batch's completion or process shutdown.
//
// The in-memory layer is a direct translation of the teacher corpus's
// session-scoped usage counters into a standalone aggregator: there is no
// single teacher file that does exactly this (the teacher tracks tool-call
// counts per session, not token counts per provider/model/date), so the
// four aggregate dimensions (totals, by-provider, by-model, by-date) are
// built from spec.md's own enumeration rather than ported from one source
// file.
package odometer

import (
	"sync"
	"time"

	"goa.design/conduit/middleware"
)

// Totals is the set of running counters kept for every aggregate bucket
// (overall, per-provider, per-model, per-day).
type Totals struct {
	Events       int
	InputTokens  int
	OutputTokens int
}

func (t *Totals) add(e middleware.TokenEvent) {
	t.Events++
	t.InputTokens += e.InputTokens
	t.OutputTokens += e.OutputTokens
}

// Stats is the human-display summary returned by InMemory.Stats.
type Stats struct {
	Totals    Totals
	Providers int
	Models    int
	Days      int
}

// InMemory accumulates TokenEvents and maintains the four aggregates
// spec.md §4.9 names: totals, by-provider, by-model, by-date. It also
// keeps a bounded-by-age slice of raw events for GetRecentActivity.
type InMemory struct {
	mu         sync.Mutex
	totals     Totals
	byProvider map[string]*Totals
	byModel    map[string]*Totals
	byDate     map[string]*Totals
	events     []middleware.TokenEvent

	now func() time.Time
}

// NewInMemory returns an empty in-memory aggregation layer.
func NewInMemory() *InMemory {
	return &InMemory{
		byProvider: make(map[string]*Totals),
		byModel:    make(map[string]*Totals),
		byDate:     make(map[string]*Totals),
		now:        time.Now,
	}
}

// record folds e into every aggregate. Unexported: callers go through
// Registry.Emit, which also buffers e for the durable layer.
func (m *InMemory) record(e middleware.TokenEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.add(e)

	if e.Provider != "" {
		t, ok := m.byProvider[e.Provider]
		if !ok {
			t = &Totals{}
			m.byProvider[e.Provider] = t
		}
		t.add(e)
	}
	if e.Model != "" {
		t, ok := m.byModel[e.Model]
		if !ok {
			t = &Totals{}
			m.byModel[e.Model] = t
		}
		t.add(e)
	}
	date := dateKey(e.TimestampS)
	t, ok := m.byDate[date]
	if !ok {
		t = &Totals{}
		m.byDate[date] = t
	}
	t.add(e)

	m.events = append(m.events, e)
}

// GetProviderBreakdown returns a snapshot copy of totals keyed by provider.
func (m *InMemory) GetProviderBreakdown() map[string]Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTotalsMap(m.byProvider)
}

// GetModelBreakdown returns a snapshot copy of totals keyed by model.
func (m *InMemory) GetModelBreakdown() map[string]Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTotalsMap(m.byModel)
}

// GetDailyUsage returns the totals recorded for date's UTC calendar day.
func (m *InMemory) GetDailyUsage(date time.Time) Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byDate[date.UTC().Format("2006-01-02")]; ok {
		return *t
	}
	return Totals{}
}

// GetRecentActivity returns every recorded event whose timestamp falls
// within window of now, oldest first.
func (m *InMemory) GetRecentActivity(window time.Duration) []middleware.TokenEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-window).Unix()
	var out []middleware.TokenEvent
	for _, e := range m.events {
		if e.TimestampS >= cutoff {
			out = append(out, e)
		}
	}
	return out
}

// Stats returns an overall summary for human display.
func (m *InMemory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Totals:    m.totals,
		Providers: len(m.byProvider),
		Models:    len(m.byModel),
		Days:      len(m.byDate),
	}
}

func dateKey(timestampS int64) string {
	return time.Unix(timestampS, 0).UTC().Format("2006-01-02")
}

func copyTotalsMap(in map[string]*Totals) map[string]Totals {
	out := make(map[string]Totals, len(in))
	for k, v := range in {
		out[k] = *v
	}
	return out
}
