// Package outbox implements C6, the Outbox Dispatcher: a poll loop per
// downstream consumer, each keeping its own (consumer_id, last_seq)
// cursor into the monotone events_outbox log (spec §4.6). Grounded on
// the teacher's scheduler.go timer/wg/stopCh shape; the table/cursor
// layer itself lives in internal/store/outbox.go.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kukuri-dev/kukuri-node/internal/metrics"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

// Handler processes one ordered batch of outbox rows. Handlers MUST be
// idempotent: a batch that errors is retried from the same cursor on
// the next poll (spec §4.6: "exactly-once is not promised").
type Handler func(entries []store.OutboxEntry) error

// Consumer is one registered downstream (trust worker, search indexer,
// relay replication).
type Consumer struct {
	Name         string
	PollInterval time.Duration
	BatchSize    int
	Handle       Handler
}

func (c Consumer) withDefaults() Consumer {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Dispatcher polls events_outbox on behalf of every registered Consumer,
// each on its own ticker goroutine.
type Dispatcher struct {
	store *store.Store
	log   *slog.Logger

	mu        sync.Mutex
	consumers []Consumer
	wg        sync.WaitGroup
	running   bool
}

// New creates a Dispatcher ready for Register calls.
func New(st *store.Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: st, log: log}
}

// Register adds a consumer. Must be called before Start.
func (d *Dispatcher) Register(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, c.withDefaults())
}

// Start launches one poll loop per registered consumer. It returns
// immediately; loops run until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	consumers := append([]Consumer(nil), d.consumers...)
	d.mu.Unlock()

	for _, c := range consumers {
		d.wg.Add(1)
		go d.runConsumer(ctx, c)
	}
}

// Wait blocks until every consumer loop has exited (i.e. after the
// context passed to Start is canceled).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runConsumer(ctx context.Context, c Consumer) {
	defer d.wg.Done()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	d.pollOnce(c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(c)
		}
	}
}

func (d *Dispatcher) pollOnce(c Consumer) {
	cursor, err := d.store.CursorFor(c.Name)
	if err != nil {
		d.log.Error("outbox: read cursor failed", "consumer", c.Name, "error", err)
		metrics.OutboxConsumerBatchesTotal.WithLabelValues(c.Name, "cursor_error").Inc()
		return
	}

	entries, err := d.store.OutboxAfter(cursor, c.BatchSize)
	if err != nil {
		d.log.Error("outbox: poll failed", "consumer", c.Name, "error", err)
		metrics.OutboxConsumerBatchesTotal.WithLabelValues(c.Name, "poll_error").Inc()
		return
	}

	if maxSeq, err := d.store.MaxOutboxSeq(); err == nil {
		metrics.OutboxBacklog.WithLabelValues(c.Name).Set(float64(maxSeq - cursor))
	}

	if len(entries) == 0 {
		metrics.OutboxConsumerBatchesTotal.WithLabelValues(c.Name, "empty").Inc()
		return
	}

	start := time.Now()
	handleErr := c.Handle(entries)
	metrics.OutboxConsumerProcessingDuration.WithLabelValues(c.Name).Observe(time.Since(start).Seconds())
	metrics.OutboxConsumerBatchSize.WithLabelValues(c.Name).Observe(float64(len(entries)))

	if handleErr != nil {
		d.log.Warn("outbox: consumer batch failed, cursor not advanced", "consumer", c.Name, "error", handleErr)
		metrics.OutboxConsumerBatchesTotal.WithLabelValues(c.Name, "failure").Inc()
		return
	}

	lastSeq := entries[len(entries)-1].Seq
	if err := d.store.AdvanceCursor(c.Name, lastSeq); err != nil {
		d.log.Error("outbox: advance cursor failed", "consumer", c.Name, "error", err)
		metrics.OutboxConsumerBatchesTotal.WithLabelValues(c.Name, "cursor_advance_error").Inc()
		return
	}
	metrics.OutboxConsumerBatchesTotal.WithLabelValues(c.Name, "success").Inc()
}
