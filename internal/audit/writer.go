package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/metrics"
)

const insertRun = `
INSERT INTO runs (run_id, conversation_id, query, classification, status,
                  final_answer, confidence, from_cache, retry_count, duration_ms, created_at)
VALUES (:run_id, :conversation_id, :query, :classification, :status,
        :final_answer, :confidence, :from_cache, :retry_count, :duration_ms, :created_at)`

const insertStep = `
INSERT INTO run_steps (run_id, position, step_name, success, duration_ms, error_message)
VALUES (:run_id, :position, :step_name, :success, :duration_ms, :error_message)`

type job struct {
	run   *RunRecord
	steps []StepRecord
}

// Writer persists run audit records to Postgres from a single
// background worker. Enqueueing never blocks a run: when the queue is
// full the record is dropped and counted.
type Writer struct {
	db     *sqlx.DB
	queue  chan job
	logger *zap.Logger

	wg       sync.WaitGroup
	closeOne sync.Once
}

// Open connects to the audit database and starts the worker.
func Open(dsn string, queueSize int, logger *zap.Logger) (*Writer, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	return NewWriter(db, queueSize, logger), nil
}

// NewWriter starts a writer over an existing connection. Used directly
// by tests.
func NewWriter(db *sqlx.DB, queueSize int, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	w := &Writer{
		db:     db,
		queue:  make(chan job, queueSize),
		logger: logger,
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

// Record enqueues one run with its step trail. Nil-safe and non-blocking.
func (w *Writer) Record(run *RunRecord, steps []StepRecord) {
	if w == nil || run == nil {
		return
	}
	select {
	case w.queue <- job{run: run, steps: steps}:
	default:
		metrics.AuditWritesDropped.Inc()
		w.logger.Warn("Audit queue full, dropping record",
			zap.String("run_id", run.RunID),
		)
	}
}

// Close drains the queue and shuts the worker down. Nil-safe.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOne.Do(func() {
		close(w.queue)
		w.wg.Wait()
	})
	return w.db.Close()
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for j := range w.queue {
		w.write(j)
	}
}

func (w *Writer) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		w.logger.Error("Audit write failed to begin",
			zap.String("run_id", j.run.RunID),
			zap.Error(err),
		)
		return
	}

	if _, err := tx.NamedExecContext(ctx, insertRun, j.run); err != nil {
		w.logger.Error("Audit run insert failed",
			zap.String("run_id", j.run.RunID),
			zap.Error(err),
		)
		_ = tx.Rollback()
		return
	}
	for i := range j.steps {
		if _, err := tx.NamedExecContext(ctx, insertStep, &j.steps[i]); err != nil {
			w.logger.Error("Audit step insert failed",
				zap.String("run_id", j.run.RunID),
				zap.String("step", j.steps[i].StepName),
				zap.Error(err),
			)
			_ = tx.Rollback()
			return
		}
	}

	if err := tx.Commit(); err != nil {
		w.logger.Error("Audit commit failed",
			zap.String("run_id", j.run.RunID),
			zap.Error(err),
		)
	}
}
