// Package dbpool manages a single shared *pgxpool.Pool behind a
// lazily-initialized Manager, so odometer's durable layer (and any other
// future Postgres-backed component) doesn't each open their own pool.
//
// Grounded on the teacher's lazy-singleton-client pattern in
// features/session/mongo/clients/mongo/client.go: an Options struct with
// defaults filled in at construction, a bounded context.WithTimeout around
// the one-time setup, and the client held behind a narrow interface. That
// teacher client is constructed eagerly by its caller, though — session
// and run stores are always needed. Here the pool is needed only once a
// caller actually asks for one (the first odometer durable-layer write or
// query, or a batch warm-up), so construction is deferred to first
// use and guarded with golang.org/x/sync/singleflight: if K concurrent
// callers ask for the pool before it exists, exactly one of them constructs
// the pool and runs the schema bootstrap; the other K-1 block on the same
// result instead of each racing to open their own pool (spec.md §4.10's
// thundering-herd guarantee).
package dbpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

const defaultConnectTimeout = 10 * time.Second

// Options configures a Manager. DSN is the only required field; the rest
// mirror pgxpool's own defaults when left zero.
type Options struct {
	DSN string

	// ConnectTimeout bounds the first Connect call. Defaults to 10s.
	ConnectTimeout time.Duration

	// MaxConns caps pool size. Zero leaves pgxpool's own default (the
	// greater of 4 and runtime.NumCPU()).
	MaxConns int32

	// Migrate runs once, immediately after the pool is first constructed,
	// under the same singleflight guard as construction itself — so
	// schema bootstrap (e.g. odometer's CREATE TABLE IF NOT EXISTS
	// token_events) also only ever runs once even under concurrent
	// first-use. Optional; nil skips it.
	Migrate func(ctx context.Context, pool *pgxpool.Pool) error
}

// Manager lazily constructs and shares one *pgxpool.Pool. The zero value
// is not usable; construct with New.
type Manager struct {
	opts  Options
	group singleflight.Group

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// New returns a Manager for opts. No connection is attempted until the
// first call to Get.
func New(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Get returns the shared pool, constructing it on the first call. Callers
// racing to be first all block on the single in-flight construction
// (golang.org/x/sync/singleflight) rather than each constructing a pool.
// Once constructed, the pool is cached for the Manager's lifetime or
// until Shutdown is called.
func (m *Manager) Get(ctx context.Context) (*pgxpool.Pool, error) {
	m.mu.RLock()
	if p := m.pool; p != nil {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do("connect", func() (any, error) {
		m.mu.RLock()
		if p := m.pool; p != nil {
			m.mu.RUnlock()
			return p, nil
		}
		m.mu.RUnlock()

		p, err := m.connect(ctx)
		if err != nil {
			return nil, err
		}
		if m.opts.Migrate != nil {
			if err := m.opts.Migrate(ctx, p); err != nil {
				p.Close()
				return nil, err
			}
		}
		m.mu.Lock()
		m.pool = p
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pgxpool.Pool), nil
}

// WarmUp implements batch.Warmer: a batch of sub-runs can warm the pool
// once before dispatching its first task, so the first sub-run doesn't
// pay the connect latency under its own per-call timeout.
func (m *Manager) WarmUp(ctx context.Context) error {
	_, err := m.Get(ctx)
	return err
}

func (m *Manager) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if m.opts.DSN == "" {
		return nil, errors.New("dbpool: DSN is required")
	}
	cfg, err := pgxpool.ParseConfig(m.opts.DSN)
	if err != nil {
		return nil, err
	}
	if m.opts.MaxConns > 0 {
		cfg.MaxConns = m.opts.MaxConns
	}

	timeout := m.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// NewWithConfig itself does not dial: pgxpool establishes connections
	// lazily on first Acquire. Reachability is therefore only proven by a
	// caller's first query, not by Get returning successfully — matching
	// pgxpool's own documented behavior rather than forcing an eager Ping
	// here that would turn every Get into a network round trip.
	return pgxpool.NewWithConfig(connectCtx, cfg)
}

// Shutdown closes the pool, if one was constructed, and resets the
// Manager so a subsequent Get dials a fresh pool. Safe to call even if
// Get was never called.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	p := m.pool
	m.pool = nil
	m.mu.Unlock()
	if p != nil {
		p.Close()
	}
}
