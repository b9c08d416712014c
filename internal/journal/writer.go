package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

// Writer appends renewal outcomes to the journal. It implements
// renewal.Observer; observer calls never block on the database.
type Writer struct {
	cfg    Config
	db     DB
	logger *slog.Logger
	now    func() time.Time

	input chan renewalRow

	// Batching
	batch   []renewalRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// NewWriter creates a Writer. Zero config fields take DefaultConfig values.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}

	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    time.Now,
		input:  make(chan renewalRow, cfg.BufferSize),
		batch:  make([]renewalRow, 0, cfg.BatchSize),
		ctx:    context.Background(),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// Start begins consuming outcomes and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued rows and performs a final flush.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	w.drain()

	// The writer context is cancelled; flush under the caller's deadline.
	w.ctx = ctx
	w.flush()

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// RenewalSucceeded records a successful renewal.
func (w *Writer) RenewalSucceeded(expiresAt time.Time, delivered int) {
	w.enqueue(renewalRow{
		Outcome:   OutcomeSuccess,
		ExpiresAt: &expiresAt,
		Delivered: delivered,
	})
}

// RenewalFailed records a failed renewal.
func (w *Writer) RenewalFailed(err *renewal.RenewalError) {
	outcome := OutcomeFailure
	if err.Terminal {
		outcome = OutcomeTerminal
	}
	w.enqueue(renewalRow{
		Outcome: outcome,
		Attempt: err.Attempt,
		Error:   err.Err.Error(),
	})
}

// ManagersChanged is not journaled.
func (w *Writer) ManagersChanged(int) {}

func (w *Writer) enqueue(row renewalRow) {
	row.EventID = uuid.NewString()
	row.InstanceID = w.cfg.InstanceID
	row.RecordedAt = w.now()

	select {
	case w.input <- row:
	default:
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("journal buffer full, dropping row", "outcome", row.Outcome)
	}
}

// run accumulates rows and flushes on size or interval.
func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			w.add(row)
		case <-ticker.C:
			w.flush()
		}
	}
}

// drain moves every queued row into the batch.
func (w *Writer) drain() {
	for {
		select {
		case row := <-w.input:
			w.add(row)
		default:
			return
		}
	}
}

func (w *Writer) add(row renewalRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]renewalRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(batch); err != nil {
		w.logger.Error("journal insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch))
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed renewal journal",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *Writer) batchInsert(rows []renewalRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		var errText *string
		if r.Error != "" {
			errText = &r.Error
		}
		batch.Queue(insertSQL,
			r.EventID, r.InstanceID, r.Outcome, r.Attempt, r.ExpiresAt, r.Delivered, errText, r.RecordedAt)
	}

	results := w.db.SendBatch(w.ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}

var _ renewal.Observer = (*Writer)(nil)
