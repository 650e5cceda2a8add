package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainseal/chainseal/internal/ledger"
	"go.uber.org/zap"
)

// PipelineConfig configures one delivery poller.
type PipelineConfig struct {
	// BatchSize is how many entries one poll claims. Defaults to 10.
	BatchSize int

	// PollInterval is the sleep between polls when there is no work.
	// Defaults to 3s.
	PollInterval time.Duration

	// MaxConcurrency bounds in-flight deliveries per poller instance.
	// Defaults to 5.
	MaxConcurrency int

	// EntryTimeout bounds one produce+archive attempt. Defaults to 30s.
	EntryTimeout time.Duration

	// MaxAttempts moves an entry to failed (dead-letter) once its
	// attempt count reaches this value. Zero means unbounded retry.
	MaxAttempts int

	// BaseBackoff seeds the exponential retry schedule. Defaults to 5s.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry schedule. Defaults to 5m.
	MaxBackoff time.Duration

	// ClaimTTL is how long an in_progress claim may live before it is
	// considered abandoned and reclaimed. Defaults to 2m.
	ClaimTTL time.Duration
}

func (c *PipelineConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
}

// Pipeline delivers claimed entries to the bus and the archive,
// at-least-once. The store's claim semantics guarantee no two workers
// process the same entry concurrently; the pipeline's job is to make
// exactly one of {complete, retryable pending, dead-letter} hold after
// each attempt.
type Pipeline struct {
	store    ledger.Store
	producer Producer
	archiver Archiver
	cfg      PipelineConfig
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewPipeline wires a Pipeline.
func NewPipeline(store ledger.Store, producer Producer, archiver Archiver, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run polls for pending entries until ctx is cancelled. Safe to run in
// a goroutine; multiple Run loops (or processes) cooperate through the
// store's claim semantics.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("delivery pipeline starting",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("max_concurrency", p.cfg.MaxConcurrency),
		zap.Int("max_attempts", p.cfg.MaxAttempts),
	)
	defer p.logger.Info("delivery pipeline stopped")

	sem := make(chan struct{}, p.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			if p.producer != nil {
				_ = p.producer.Close()
			}
			return ctx.Err()
		default:
		}

		if n, err := p.store.ReclaimStale(ctx, p.cfg.ClaimTTL); err != nil {
			p.logger.Error("reclaim stale claims", zap.Error(err))
		} else if n > 0 {
			staleClaimsReclaimed.Add(float64(n))
		}

		entries, err := p.store.ClaimPending(ctx, p.cfg.BatchSize)
		if err != nil {
			p.logger.Error("claim pending entries", zap.Error(err))
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
			case sem <- struct{}{}:
				p.wg.Add(1)
				go func(e *ledger.Entry) {
					defer func() {
						<-sem
						p.wg.Done()
					}()
					if err := p.ProcessEntry(ctx, e); err != nil {
						p.logger.Warn("delivery attempt failed",
							zap.String("entry_id", e.ID),
							zap.Int("attempts", e.Attempts),
							zap.Error(err),
						)
					}
				}(e)
			}
		}

		// Drain the batch before claiming more.
		p.wg.Wait()
	}
}

// ProcessEntry performs one produce+archive attempt for a claimed entry
// and records the outcome. Re-processing an entry that is already
// complete is a no-op.
func (p *Pipeline) ProcessEntry(parentCtx context.Context, e *ledger.Entry) error {
	if e.StreamStatus == ledger.StatusComplete {
		return nil
	}

	deliveryInFlight.Inc()
	defer deliveryInFlight.Dec()
	start := time.Now()
	defer func() { deliveryDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(parentCtx, p.cfg.EntryTimeout)
	defer cancel()

	envelope, err := EnvelopeBytes(e)
	if err != nil {
		// Canonicalization of a persisted entry failing is a programmer
		// error; park the entry rather than retrying forever.
		p.recordFailure(parentCtx, e, fmt.Errorf("canonicalize envelope: %w", err), true)
		return err
	}

	producedAt, err := p.producer.Produce(ctx, []byte(e.ID), envelope)
	if err != nil {
		p.recordFailure(parentCtx, e, fmt.Errorf("bus produce: %w", err), false)
		return err
	}

	objectKey, err := p.archiver.Archive(ctx, e, envelope)
	if err != nil {
		p.recordFailure(parentCtx, e, fmt.Errorf("archive: %w", err), false)
		return err
	}

	if err := p.store.MarkDeliveryResult(parentCtx, e.ID, ledger.DeliveryResult{
		Success:          true,
		BusProducedAt:    producedAt,
		ArchiveObjectKey: objectKey,
	}); err != nil {
		return fmt.Errorf("mark delivery success: %w", err)
	}

	deliveryAttemptsTotal.WithLabelValues("complete").Inc()
	p.logger.Debug("entry delivered",
		zap.String("entry_id", e.ID),
		zap.String("archive_key", objectKey),
	)
	return nil
}

func (p *Pipeline) recordFailure(ctx context.Context, e *ledger.Entry, cause error, fatal bool) {
	dead := fatal || (p.cfg.MaxAttempts > 0 && e.Attempts >= p.cfg.MaxAttempts)

	res := ledger.DeliveryResult{
		Err:  cause.Error(),
		Dead: dead,
	}
	if !dead {
		res.NextAttemptAt = time.Now().UTC().Add(p.backoff(e.Attempts))
	}

	if err := p.store.MarkDeliveryResult(ctx, e.ID, res); err != nil {
		p.logger.Error("mark delivery failure", zap.String("entry_id", e.ID), zap.Error(err))
		return
	}

	if dead {
		deliveryAttemptsTotal.WithLabelValues("dead_letter").Inc()
		p.logger.Error("entry dead-lettered",
			zap.String("entry_id", e.ID),
			zap.Int("attempts", e.Attempts),
			zap.Error(cause),
		)
		return
	}
	deliveryAttemptsTotal.WithLabelValues("retry").Inc()
}

// backoff returns the delay before the next attempt: base * 2^(n-1),
// capped.
func (p *Pipeline) backoff(attempts int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	if d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
