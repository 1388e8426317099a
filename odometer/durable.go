package odometer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/conduit/dbpool"
	"goa.design/conduit/middleware"
)

// createTokenEventsTable is spec.md §6's telemetry storage schema
// verbatim, created if missing at first use via dbpool.Manager's
// Options.Migrate hook (so it only ever runs once, even under
// concurrent first use, per dbpool's singleflight guarantee).
const createTokenEventsTable = `CREATE TABLE IF NOT EXISTS token_events (
	id SERIAL PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INT NOT NULL,
	output_tokens INT NOT NULL,
	timestamp BIGINT NOT NULL,
	host TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT now()
)`

// Migrate is a dbpool.Options.Migrate implementation that creates the
// token_events table. Wire it in when constructing the shared
// dbpool.Manager a PostgresDurable will use:
//
//	mgr := dbpool.New(dbpool.Options{DSN: dsn, Migrate: odometer.Migrate})
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, createTokenEventsTable)
	return err
}

// PostgresDurable is the durable telemetry layer: a shared Postgres pool
// table of every TokenEvent ever flushed, queried with single SQL
// statements rather than read back into the process. Grounded on
// SPEC_FULL.md §4.9's decision to use github.com/jackc/pgx/v5 (from the
// rest of the retrieval pack, since the teacher carries no Postgres
// driver) against the C13 shared dbpool.Manager.
type PostgresDurable struct {
	pool *dbpool.Manager
}

// NewPostgresDurable returns a PostgresDurable backed by mgr. mgr's
// Options.Migrate should be set to Migrate (or a composition that calls
// it) so the table exists before the first write.
func NewPostgresDurable(mgr *dbpool.Manager) *PostgresDurable {
	return &PostgresDurable{pool: mgr}
}

// InsertBatch writes events in a single multi-row INSERT. Called by
// Registry.Flush with only the events not yet durably written.
func (d *PostgresDurable) InsertBatch(ctx context.Context, events []middleware.TokenEvent) error {
	if len(events) == 0 {
		return nil
	}
	pool, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO token_events (provider, model, input_tokens, output_tokens, timestamp, host) VALUES `)
	args := make([]any, 0, len(events)*6)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.TimestampS, e.Host)
	}

	_, err = pool.Exec(ctx, sb.String(), args...)
	return err
}

// GetOverallStats runs spec.md §4.9's get_overall_stats as a single query.
func (d *PostgresDurable) GetOverallStats(ctx context.Context) (Totals, error) {
	pool, err := d.pool.Get(ctx)
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	row := pool.QueryRow(ctx, `SELECT count(*), coalesce(sum(input_tokens),0), coalesce(sum(output_tokens),0) FROM token_events`)
	if err := row.Scan(&t.Events, &t.InputTokens, &t.OutputTokens); err != nil {
		return Totals{}, err
	}
	return t, nil
}

// groupByColumns maps spec.md §4.9's get_aggregates group_by values to the
// SQL expression that buckets rows; "date" buckets by UTC calendar day
// since timestamp is stored as epoch seconds, not a native date/time column.
var groupByColumns = map[string]string{
	"provider": "provider",
	"model":    "model",
	"host":     "host",
	"date":     "to_char(to_timestamp(timestamp) AT TIME ZONE 'UTC', 'YYYY-MM-DD')",
}

// GetAggregates runs spec.md §4.9's get_aggregates(group_by, start_date?,
// end_date?) as a single query. groupBy must be one of provider, model,
// host, date; start and end, when non-nil, bound the timestamp range
// inclusive.
func (d *PostgresDurable) GetAggregates(ctx context.Context, groupBy string, start, end *time.Time) (map[string]Totals, error) {
	col, ok := groupByColumns[groupBy]
	if !ok {
		return nil, fmt.Errorf("odometer: unsupported group_by %q", groupBy)
	}
	pool, err := d.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT %s AS bucket, count(*), coalesce(sum(input_tokens),0), coalesce(sum(output_tokens),0)
		FROM token_events`, col)
	var args []any
	var where []string
	if start != nil {
		args = append(args, start.Unix())
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if end != nil {
		args = append(args, end.Unix())
		where = append(where, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " GROUP BY bucket"

	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var bucket string
		var t Totals
		if err := rows.Scan(&bucket, &t.Events, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, err
		}
		out[bucket] = t
	}
	return out, rows.Err()
}
