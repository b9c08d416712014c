package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

// fakeDB records executed statements and batched rows.
type fakeDB struct {
	mu      sync.Mutex
	execs   []string
	rows    [][]any
	batches int
	failErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.failErr
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.failErr == nil {
		for _, q := range b.QueuedQueries {
			f.rows = append(f.rows, q.Arguments)
		}
	}
	return &fakeResults{n: b.Len(), err: f.failErr}
}

func (f *fakeDB) snapshot() (rows [][]any, batches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.rows...), f.batches
}

type fakeResults struct {
	n   int
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stopWriter(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS token_renewals") {
		t.Errorf("unexpected statements: %v", db.execs)
	}

	db = &fakeDB{failErr: errors.New("permission denied")}
	if err := EnsureSchema(context.Background(), db); err == nil {
		t.Error("expected error from failing Exec")
	}
}

func TestWriter_FlushOnStop(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{InstanceID: "renewer-1", BatchSize: 100, FlushInterval: time.Hour}, db, quietLogger())
	fixed := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	expiresAt := fixed.Add(24 * time.Hour)
	w.RenewalSucceeded(expiresAt, 3)
	w.RenewalFailed(&renewal.RenewalError{Attempt: 3, Terminal: true, Err: errors.New("apikey: invalid")})

	stopWriter(t, w)

	rows, batches := db.snapshot()
	if batches != 1 {
		t.Errorf("batches = %d, want 1", batches)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	success := rows[0]
	if success[1] != "renewer-1" || success[2] != OutcomeSuccess {
		t.Errorf("success row = %v", success)
	}
	if ts, ok := success[4].(*time.Time); !ok || !ts.Equal(expiresAt) {
		t.Errorf("expires_at = %v, want %v", success[4], expiresAt)
	}
	if success[5] != 3 {
		t.Errorf("delivered = %v, want 3", success[5])
	}
	if success[6].(*string) != nil {
		t.Errorf("error column = %v, want nil", success[6])
	}

	failure := rows[1]
	if failure[2] != OutcomeTerminal || failure[3] != 3 {
		t.Errorf("failure row = %v", failure)
	}
	if msg := failure[6].(*string); msg == nil || *msg != "apikey: invalid" {
		t.Errorf("error column = %v", failure[6])
	}
	if failure[7] != fixed {
		t.Errorf("recorded_at = %v, want %v", failure[7], fixed)
	}
	if failure[0] == success[0] {
		t.Error("event ids must be unique")
	}

	stats := w.Stats()
	if stats.Inserts != 2 || stats.Flushes != 1 || stats.Errors != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, db, quietLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWriter(t, w)

	w.RenewalSucceeded(time.Now(), 1)
	w.RenewalSucceeded(time.Now(), 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, batches := db.snapshot(); batches == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch was not flushed after reaching batch size")
}

func TestWriter_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, db, quietLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWriter(t, w)

	w.RenewalFailed(&renewal.RenewalError{Attempt: 1, Err: errors.New("timeout")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rows, _ := db.snapshot(); len(rows) == 1 {
			if rows[0][2] != OutcomeFailure {
				t.Errorf("outcome = %v, want %s", rows[0][2], OutcomeFailure)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("row was not flushed on interval")
}

func TestWriter_InsertError(t *testing.T) {
	db := &fakeDB{failErr: errors.New("connection refused")}
	w := NewWriter(Config{}, db, quietLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	w.RenewalSucceeded(time.Now(), 1)
	stopWriter(t, w)

	if stats := w.Stats(); stats.Errors != 1 || stats.Inserts != 0 {
		t.Errorf("Stats() = %+v, want one error", stats)
	}
}

func TestWriter_DropsWhenBufferFull(t *testing.T) {
	w := NewWriter(Config{BufferSize: 1}, &fakeDB{}, quietLogger())

	// Not started: the first row fills the buffer
	w.RenewalSucceeded(time.Now(), 1)
	w.RenewalSucceeded(time.Now(), 1)

	if stats := w.Stats(); stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}
