package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ncm-realtime/internal/metrics"
	"github.com/rickgao/ncm-realtime/internal/realtime"
)

// Recorder batches realtime updates into an Inserter.
type Recorder struct {
	cfg     Config
	db      Inserter
	logger  *slog.Logger
	metrics *metrics.Realtime

	// Input from the realtime client
	input chan realtime.Update

	// Batching
	batch   []Row
	batchMu sync.Mutex
	stats   Stats

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Recorder. m may be nil.
func New(cfg Config, db Inserter, m *metrics.Realtime, logger *slog.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "recorder"),
		metrics: m,
		input:   make(chan realtime.Update, cfg.BufferSize),
		batch:   make([]Row, 0, cfg.BatchSize),
	}
}

// Record queues u without blocking. It drops u when the buffer is full.
// Its signature matches realtime.Client.OnUpdate.
func (r *Recorder) Record(u realtime.Update) {
	select {
	case r.input <- u:
		r.batchMu.Lock()
		r.stats.Received++
		r.batchMu.Unlock()
	default:
		r.batchMu.Lock()
		r.stats.Dropped++
		r.batchMu.Unlock()
		r.metrics.RecordDropped()
	}
}

// Start begins consuming updates and writing batches.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.consumeLoop()
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the recorder down and flushes what is left, including updates
// still waiting in the buffer.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

drain:
	for {
		select {
		case u := <-r.input:
			r.add(u)
		default:
			break drain
		}
	}
	r.flush(ctx)

	st := r.Stats()
	r.logger.Info("recorder stopped", "inserted", st.Inserted, "dropped", st.Dropped, "errors", st.Errors)
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.stats
}

func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case u := <-r.input:
			if r.add(u) {
				r.flush(r.ctx)
			}
		}
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// add appends u to the batch and reports whether the batch is full.
func (r *Recorder) add(u realtime.Update) bool {
	row := transform(u)

	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	r.batch = append(r.batch, row)
	return len(r.batch) >= r.cfg.BatchSize
}

func transform(u realtime.Update) Row {
	receivedAt := u.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	payload := []byte(u.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return Row{
		ID:         uuid.New(),
		Channel:    u.Channel,
		Payload:    payload,
		ReceivedAt: receivedAt.UTC(),
	}
}

// flush writes the current batch. A failed batch is logged and discarded.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]Row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	n, err := r.db.InsertRows(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.stats.Inserted += n
	r.stats.Flushes++
	r.batchMu.Unlock()
	r.metrics.RecordFlushed(int(n))

	r.logger.Debug("flushed channel updates",
		"count", len(batch),
		"duration", time.Since(start),
	)
}
