package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regulens/feedsync/internal/config"
	"github.com/regulens/feedsync/internal/feed"
)

// Metrics holds archiver counters.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// Archiver batches feed records into the feed_records table:
//
//	CREATE TABLE feed_records (
//	    feed_id     TEXT        NOT NULL,
//	    record_id   TEXT        NOT NULL,
//	    produced_at TIMESTAMPTZ NOT NULL,
//	    payload     JSONB,
//	    archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (feed_id, record_id)
//	);
//
// Re-archived records (history refetch, reconnect replay) hit the primary
// key and are counted as conflicts, not errors.
type Archiver struct {
	cfg    config.ArchiveConfig
	db     *pgxpool.Pool
	logger *slog.Logger

	input *GrowableBuffer[feed.Record]

	batch       []feed.Record
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates an Archiver writing to the given pool.
func New(cfg config.ArchiveConfig, db *pgxpool.Pool, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  NewGrowableBuffer[feed.Record](cfg.BufferSize),
		batch:  make([]feed.Record, 0, cfg.BatchSize),
	}
}

// Ingest queues one record for archival. Never blocks.
func (a *Archiver) Ingest(rec feed.Record) {
	if !a.input.Send(rec) {
		a.batchMu.Lock()
		a.metrics.Dropped++
		a.batchMu.Unlock()
	}
}

// Start begins consuming and flushing.
func (a *Archiver) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.flushTicker = time.NewTicker(a.cfg.FlushInterval)

	a.wg.Add(1)
	go a.consumeLoop()

	a.wg.Add(1)
	go a.flushLoop()

	a.logger.Info("archiver started",
		"batch_size", a.cfg.BatchSize,
		"flush_interval", a.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the buffer, performs a final flush, and shuts down.
func (a *Archiver) Stop(ctx context.Context) error {
	a.logger.Info("stopping archiver")

	a.input.Close()
	if a.cancel != nil {
		a.cancel()
	}
	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("archiver stopped")
	case <-ctx.Done():
		a.logger.Warn("archiver stop timed out")
	}

	a.flush()
	return nil
}

// Stats returns current metrics.
func (a *Archiver) Stats() Metrics {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()
	return a.metrics
}

// consumeLoop pulls records off the input buffer and accumulates batches.
func (a *Archiver) consumeLoop() {
	defer a.wg.Done()

	for {
		rec, ok := a.input.Receive()
		if !ok {
			return
		}
		if a.appendBatch(rec) {
			a.flush()
		}
	}
}

// appendBatch adds one record to the current batch and slurps whatever else
// is already waiting, never past the batch size (DrainTo treats a zero max as
// unlimited). Reports whether the batch is full.
func (a *Archiver) appendBatch(rec feed.Record) bool {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	a.batch = append(a.batch, rec)
	if room := a.cfg.BatchSize - len(a.batch); room > 0 {
		if more := a.input.DrainTo(room); len(more) > 0 {
			a.batch = append(a.batch, more...)
		}
	}
	return len(a.batch) >= a.cfg.BatchSize
}

// flushLoop periodically flushes the batch.
func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flush()
		}
	}
}

// flush writes the current batch to the database.
func (a *Archiver) flush() {
	a.batchMu.Lock()
	if len(a.batch) == 0 {
		a.batchMu.Unlock()
		return
	}
	batch := a.batch
	a.batch = make([]feed.Record, 0, a.cfg.BatchSize)
	a.batchMu.Unlock()

	start := time.Now()

	conflicts, err := a.batchInsert(batch)
	if err != nil {
		a.logger.Error("archive insert failed", "error", err, "count", len(batch))
		a.batchMu.Lock()
		a.metrics.Errors++
		a.batchMu.Unlock()
		return
	}

	a.batchMu.Lock()
	a.metrics.Inserts += int64(len(batch) - conflicts)
	a.metrics.Conflicts += int64(conflicts)
	a.metrics.Flushes++
	a.batchMu.Unlock()

	a.logger.Debug("flushed records",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (a *Archiver) batchInsert(records []feed.Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO feed_records (feed_id, record_id, produced_at, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (feed_id, record_id) DO NOTHING
		`, r.FeedID, r.ID, r.ProducedAt, []byte(r.Payload))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := a.db.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		tag, err := results.Exec()
		if err != nil {
			return conflicts, err
		}
		if tag.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
