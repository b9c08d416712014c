package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Outcome labels stored in the outcome column.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTerminal = "terminal"
)

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config contains configuration for the journal writer.
type Config struct {
	// InstanceID tags every row with the renewer that produced it.
	InstanceID string

	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize bounds rows queued between the scheduler and the writer.
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// renewalRow represents a row to be inserted into the token_renewals table.
type renewalRow struct {
	EventID    string // UUID
	InstanceID string
	Outcome    string
	Attempt    int
	ExpiresAt  *time.Time // Set on success only
	Delivered  int
	Error      string
	RecordedAt time.Time
}

// Stats holds counters for the writer.
type Stats struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS token_renewals (
	event_id     UUID PRIMARY KEY,
	instance_id  TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	attempt      INT NOT NULL,
	expires_at   TIMESTAMPTZ,
	delivered    INT NOT NULL,
	error        TEXT,
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_renewals_recorded_at_idx ON token_renewals (recorded_at DESC);
`

const insertSQL = `
	INSERT INTO token_renewals (event_id, instance_id, outcome, attempt, expires_at, delivered, error, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (event_id) DO NOTHING
`
