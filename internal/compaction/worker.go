// Package compaction runs document compaction off the request path.
package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"go.uber.org/zap"
)

// Compactor folds a document's log into a snapshot.
type Compactor interface {
	Compact(ctx context.Context, documentID collab.DocumentID) (collab.CompactionResult, error)
}

// Options tunes the queue, pool size and retry policy.
type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// Worker is a bounded queue of documents awaiting compaction, drained by a
// fixed pool. A document already waiting in the queue is not queued twice.
type Worker struct {
	compactor   Compactor
	queue       chan collab.DocumentID
	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	waiting map[collab.DocumentID]struct{}
}

// NewWorker constructs an idle worker; call Run to start draining.
func NewWorker(compactor Compactor, opts Options) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		compactor:   compactor,
		queue:       make(chan collab.DocumentID, opts.QueueSize),
		workers:     opts.Workers,
		maxRetry:    opts.MaxRetry,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		logger:      logger,
		waiting:     make(map[collab.DocumentID]struct{}),
	}
}

// Schedule queues the document without blocking. When the queue is full the
// request is dropped; the next push past the threshold schedules it again.
func (w *Worker) Schedule(documentID collab.DocumentID) {
	w.mu.Lock()
	if _, queued := w.waiting[documentID]; queued {
		w.mu.Unlock()
		return
	}
	select {
	case w.queue <- documentID:
		w.waiting[documentID] = struct{}{}
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.logger.Warn("compaction queue full, dropping request",
			zap.String("document_id", documentID.String()))
	}
}

// Run drains the queue until ctx is done, then waits for in-flight runs.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for workerID := 0; workerID < w.workers; workerID++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.workerLoop(ctx, workerID)
		}(workerID)
	}
	wg.Wait()
	return nil
}

func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case documentID := <-w.queue:
			w.mu.Lock()
			delete(w.waiting, documentID)
			w.mu.Unlock()
			w.compactWithRetry(ctx, workerID, documentID)
		}
	}
}

func (w *Worker) compactWithRetry(ctx context.Context, workerID int, documentID collab.DocumentID) {
	for attempt := 0; attempt <= w.maxRetry; attempt++ {
		result, err := w.compactor.Compact(ctx, documentID)
		if err == nil {
			if result.Folded > 0 {
				w.logger.Debug("compaction finished",
					zap.String("document_id", documentID.String()),
					zap.Int64("sequence_num", result.SequenceNum.Int64()),
					zap.Int("folded", result.Folded),
					zap.Int("worker", workerID))
			}
			return
		}
		if attempt == w.maxRetry || ctx.Err() != nil {
			w.logger.Warn("compaction failed",
				zap.String("document_id", documentID.String()),
				zap.Int("attempts", attempt+1),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}
		backoff := w.baseBackoff * time.Duration(1<<attempt)
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
