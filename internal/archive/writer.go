package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/signalbus/internal/metrics"
)

// ErrWriterClosed is returned by Enqueue after Stop has been called.
var ErrWriterClosed = errors.New("archive writer is closed")

// BatchInserter commits one batch of records in a single transaction.
// The production implementation is [*PGInserter]; tests substitute a
// fake to exercise the batching machinery without a database.
type BatchInserter interface {
	InsertBatch(ctx context.Context, records []Record) error
}

// WriterConfig tunes the queue and batcher. Zero fields fall back to
// the documented defaults.
type WriterConfig struct {
	QueueSize    int           // bounded queue capacity (default 10000)
	BatchSize    int           // max records per transaction (default 100)
	BatchTimeout time.Duration // flush timer for partial batches (default 5s)
	MaxInFlight  int           // concurrent batch transactions (default 5)
	Logger       *slog.Logger
}

// Writer owns the bounded archive queue and the single consumer that
// groups records into batches. Producers on any goroutine call Enqueue;
// a full queue blocks them (backpressure) rather than dropping.
type Writer struct {
	inserter BatchInserter
	logger   *slog.Logger

	queue        chan Record
	batchSize    int
	batchTimeout time.Duration
	permits      chan struct{} // connection permit semaphore

	closeOnce sync.Once
	closed    chan struct{} // closed by Stop; queue channel itself is never closed
	done      chan struct{} // closed when the consumer exits
	inFlight  sync.WaitGroup
}

// NewWriter creates an archive writer over the given inserter. Call
// Start to launch the consumer.
func NewWriter(inserter BatchInserter, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		inserter:     inserter,
		logger:       logger,
		queue:        make(chan Record, cfg.QueueSize),
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		permits:      make(chan struct{}, cfg.MaxInFlight),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Enqueue places a record on the archive queue. It blocks while the
// queue is full and returns ErrWriterClosed once Stop has begun.
func (w *Writer) Enqueue(rec Record) error {
	select {
	case <-w.closed:
		return ErrWriterClosed
	default:
	}

	select {
	case w.queue <- rec:
		metrics.ArchiveEnqueued.Inc()
		metrics.ArchiveQueueDepth.Set(float64(len(w.queue)))
		return nil
	case <-w.closed:
		return ErrWriterClosed
	}
}

// Start launches the consumer goroutine. Must be called exactly once.
func (w *Writer) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop closes the queue to new writes, waits for the consumer to drain
// and flush the final partial batch, then waits for in-flight commits.
func (w *Writer) Stop() {
	w.closeOnce.Do(func() { close(w.closed) })
	<-w.done
	w.inFlight.Wait()
}

// run is the single queue consumer. It accumulates up to batchSize
// records or until batchTimeout has elapsed since the batch opened,
// whichever comes first, then hands the batch to a flush goroutine.
func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	batch := make([]Record, 0, w.batchSize)
	timer := time.NewTimer(w.batchTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	disarm := func() {
		if timerArmed && !timer.Stop() {
			<-timer.C
		}
		timerArmed = false
	}

	flush := func(trigger string) {
		if len(batch) == 0 {
			return
		}
		out := make([]Record, len(batch))
		copy(out, batch)
		batch = batch[:0]
		w.dispatch(ctx, out, trigger)
	}

	for {
		var timerCh <-chan time.Time
		if timerArmed {
			timerCh = timer.C
		}

		select {
		case rec := <-w.queue:
			metrics.ArchiveQueueDepth.Set(float64(len(w.queue)))
			batch = append(batch, rec)
			if len(batch) == 1 {
				timer.Reset(w.batchTimeout)
				timerArmed = true
			}
			if len(batch) >= w.batchSize {
				disarm()
				flush("size")
			}

		case <-timerCh:
			timerArmed = false
			flush("timeout")

		case <-w.closed:
			disarm()
			// The final flush must survive process-level cancellation;
			// shutdown ordering stops the writer after the root context
			// is already done.
			ctx = context.Background()
			w.drain(&batch)
			flush("drain")
			return
		}
	}
}

// drain empties whatever remains on the queue after Stop, flushing full
// batches as they fill.
func (w *Writer) drain(batch *[]Record) {
	for {
		select {
		case rec := <-w.queue:
			*batch = append(*batch, rec)
			if len(*batch) >= w.batchSize {
				out := make([]Record, len(*batch))
				copy(out, *batch)
				*batch = (*batch)[:0]
				w.dispatch(context.Background(), out, "drain")
			}
		default:
			metrics.ArchiveQueueDepth.Set(0)
			return
		}
	}
}

// dispatch commits a batch under a connection permit. Commits run on
// their own goroutine so the consumer can keep accumulating; the permit
// semaphore bounds concurrent transactions. A failed batch is logged
// and discarded — there is no retry queue.
func (w *Writer) dispatch(ctx context.Context, records []Record, trigger string) {
	w.inFlight.Add(1)
	go func() {
		defer w.inFlight.Done()

		w.permits <- struct{}{}
		defer func() { <-w.permits }()

		start := time.Now()
		if err := w.inserter.InsertBatch(ctx, records); err != nil {
			metrics.BatchesFailed.Inc()
			w.logger.Error("archive batch discarded",
				"records", len(records),
				"trigger", trigger,
				"error", err,
			)
			return
		}

		metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
		w.logger.Debug("archive batch committed",
			"records", len(records),
			"trigger", trigger,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}()
}
