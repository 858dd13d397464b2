// Package scheduler drives the repeating price updates: a poll loop
// claims due jobs from the queue and a worker pool runs them through
// the pricing engine, banning mints the chain rejects.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"
	"tokenpulse/internal/queue"
)

const (
	claimInterval = 250 * time.Millisecond
	claimLimit    = 64
	jobTimeout    = 30 * time.Second
	sweepInterval = 10 * time.Minute
	gaugeInterval = 15 * time.Second

	// stalledAfter is how long a claimed run may sit in the active state
	// before the sweeper assumes its worker died and reschedules the job.
	stalledAfter = 2 * time.Minute

	jobPrefix = "price-"
)

func jobID(mint string) string {
	return jobPrefix + mint
}

// jobPayload is the body of every repeating price job.
type jobPayload struct {
	Mint string `json:"mint"`
}

// Pricer is the slice of the pricing engine the scheduler drives.
type Pricer interface {
	UpdateMint(ctx context.Context, mint string) (*models.PriceSnapshot, error)
	BatchUpdate(ctx context.Context, mints []string) map[string]error
}

// Validator guards enrolment and owns purging of invalid mints.
type Validator interface {
	Validate(ctx context.Context, mint string) (bool, string, error)
	PurgeInvalid(ctx context.Context, mint string) error
}

// Store lists the mints to resume after a restart.
type Store interface {
	ListMints(ctx context.Context) ([]string, error)
}

// Cache is the slice of the cache store used for ban keys.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
	ScanPattern(ctx context.Context, pattern string) ([]string, error)
}

// JobQueue is the durable queue surface the scheduler consumes.
type JobQueue interface {
	AddRepeating(ctx context.Context, jobID string, payload any, period time.Duration) error
	Obliterate(ctx context.Context, jobID string) error
	Due(ctx context.Context, now time.Time, limit int64) ([]queue.Job, error)
	Complete(ctx context.Context, job queue.Job) error
	Fail(ctx context.Context, job queue.Job, cause error) error
	Count(ctx context.Context) (int64, error)
	ReconcileStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

type Scheduler struct {
	queue     JobQueue
	pricer    Pricer
	validator Validator
	repo      Store
	cache     Cache
	period    time.Duration
	workers   int
	jobs      chan queue.Job
}

func NewScheduler(q JobQueue, pricer Pricer, validator Validator, repo Store, store Cache, period time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		queue:     q,
		pricer:    pricer,
		validator: validator,
		repo:      repo,
		cache:     store,
		period:    period,
		workers:   workers,
		jobs:      make(chan queue.Job, workers*2),
	}
}

// Start launches the worker pool, the claim poller and the maintenance
// loops. All goroutines stop with the context.
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("[scheduler] starting %d workers (period %s)", s.workers, s.period)
	for i := 0; i < s.workers; i++ {
		go s.worker(ctx)
	}
	go s.pollLoop(ctx)
	go s.sweepLoop(ctx)
	go s.gaugeLoop(ctx)
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler] poll loop stopping")
			return
		case <-ticker.C:
			jobs, err := s.queue.Due(ctx, time.Now(), claimLimit)
			if err != nil {
				log.Printf("[scheduler] failed to claim due jobs: %v", err)
				continue
			}
			for _, job := range jobs {
				select {
				case s.jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.processJob(ctx, job)
		}
	}
}

// processJob runs one claimed update. Banned mints are dismantled and
// counted as successes; mints the chain rejects get banned; transient
// failures are recorded and the job simply waits for its next period.
func (s *Scheduler) processJob(ctx context.Context, job queue.Job) {
	start := time.Now()

	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.Mint == "" {
		log.Printf("[scheduler] obliterating job %s with corrupt payload: %v", job.ID, err)
		s.queue.Obliterate(ctx, job.ID)
		return
	}
	mint := payload.Mint

	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	banned, err := s.cache.Exists(jctx, cache.KeyBanned(mint))
	if err != nil {
		log.Printf("[scheduler] failed to check ban for %s: %v", mint, err)
	}
	if banned {
		s.queue.Obliterate(jctx, job.ID)
		metrics.RecordPriceUpdate("success", time.Since(start).Seconds())
		return
	}

	_, err = s.pricer.UpdateMint(jctx, mint)
	switch {
	case err == nil:
		if err := s.queue.Complete(jctx, job); err != nil {
			log.Printf("[scheduler] failed to complete job %s: %v", job.ID, err)
		}
		metrics.RecordPriceUpdate("success", time.Since(start).Seconds())

	case models.IsInvalidMint(err):
		log.Printf("[scheduler] mint %s is invalid, banning: %v", mint, err)
		if err := s.BanAndRemove(jctx, mint); err != nil {
			log.Printf("[scheduler] failed to ban %s: %v", mint, err)
		}
		metrics.RecordPriceUpdate("success", time.Since(start).Seconds())

	default:
		log.Printf("[scheduler] update failed for %s: %v", mint, err)
		if err := s.queue.Fail(jctx, job, err); err != nil {
			log.Printf("[scheduler] failed to record failure for %s: %v", job.ID, err)
		}
		metrics.RecordPriceUpdate("failure", time.Since(start).Seconds())
	}
}

// Enrol registers a repeating price job for the mint. Validation runs
// first so garbage never reaches the queue; re-enrolling an already
// tracked mint refreshes its job in place.
func (s *Scheduler) Enrol(ctx context.Context, mint string) error {
	valid, reason, err := s.validator.Validate(ctx, mint)
	if err != nil {
		return fmt.Errorf("failed to validate %s: %w", mint, err)
	}
	if !valid {
		return &models.InvalidMintError{Mint: mint, Reason: reason}
	}

	id := jobID(mint)
	s.queue.Obliterate(ctx, id)
	if err := s.queue.AddRepeating(ctx, id, jobPayload{Mint: mint}, s.period); err != nil {
		return fmt.Errorf("failed to enrol %s: %w", mint, err)
	}
	log.Printf("[scheduler] enrolled %s (period %s)", mint, s.period)
	s.refreshJobsGauge(ctx)
	return nil
}

// Obliterate stops tracking the mint without banning it.
func (s *Scheduler) Obliterate(ctx context.Context, mint string) error {
	if err := s.queue.Obliterate(ctx, jobID(mint)); err != nil {
		return err
	}
	s.refreshJobsGauge(ctx)
	return nil
}

// BanAndRemove bans the mint for 24 hours, dismantles its job and purges
// every trace from the stores. The ban key must stick; the rest is
// retried by the sweeper if it fails here.
func (s *Scheduler) BanAndRemove(ctx context.Context, mint string) error {
	if err := s.cache.SetTTL(ctx, cache.KeyBanned(mint), []byte("1"), cache.BanTTL); err != nil {
		return fmt.Errorf("failed to set ban key for %s: %w", mint, err)
	}
	metrics.RecordBan()

	s.queue.Obliterate(ctx, jobID(mint))
	if err := s.validator.PurgeInvalid(ctx, mint); err != nil {
		log.Printf("[scheduler] purge after ban failed for %s: %v", mint, err)
	}
	s.refreshJobsGauge(ctx)
	return nil
}

// Bootstrap resumes tracking for every persisted mint that is not
// banned. One batched update primes the caches and rows before the
// repeating jobs take over.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	mints, err := s.repo.ListMints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tracked mints: %w", err)
	}

	var active []string
	for _, mint := range mints {
		banned, err := s.cache.Exists(ctx, cache.KeyBanned(mint))
		if err != nil {
			log.Printf("[scheduler] failed to check ban for %s: %v", mint, err)
		}
		if banned {
			// Rows survived a crash between ban and purge.
			if err := s.validator.PurgeInvalid(ctx, mint); err != nil {
				log.Printf("[scheduler] failed to purge banned %s: %v", mint, err)
			}
			continue
		}
		active = append(active, mint)
	}

	if len(active) == 0 {
		log.Printf("[scheduler] bootstrap complete: no mints to resume")
		return nil
	}

	results := s.pricer.BatchUpdate(ctx, active)
	enrolled := 0
	for _, mint := range active {
		if err := results[mint]; models.IsInvalidMint(err) {
			if err := s.BanAndRemove(ctx, mint); err != nil {
				log.Printf("[scheduler] failed to ban %s: %v", mint, err)
			}
			continue
		}
		if err := s.Enrol(ctx, mint); err != nil {
			log.Printf("[scheduler] failed to enrol %s: %v", mint, err)
			continue
		}
		enrolled++
	}
	log.Printf("[scheduler] bootstrap complete: %d of %d mints enrolled", enrolled, len(mints))
	return nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep re-runs the cleanup for banned mints and rescues jobs whose
// worker died between claim and requeue.
func (s *Scheduler) sweep(ctx context.Context) {
	keys, err := s.cache.ScanPattern(ctx, cache.KeyBanned("*"))
	if err != nil {
		log.Printf("[scheduler] sweep: failed to scan ban keys: %v", err)
	} else {
		for _, key := range keys {
			mint := strings.TrimPrefix(key, cache.KeyBanned(""))
			if mint == "" {
				continue
			}
			s.queue.Obliterate(ctx, jobID(mint))
			if err := s.validator.PurgeInvalid(ctx, mint); err != nil {
				log.Printf("[scheduler] sweep: failed to purge %s: %v", mint, err)
			}
		}
	}

	rescued, err := s.queue.ReconcileStalled(ctx, stalledAfter)
	if err != nil {
		log.Printf("[scheduler] sweep: failed to reconcile stalled jobs: %v", err)
	} else if rescued > 0 {
		log.Printf("[scheduler] sweep: rescheduled %d stalled jobs", rescued)
	}
}

func (s *Scheduler) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshJobsGauge(ctx)
		}
	}
}

func (s *Scheduler) refreshJobsGauge(ctx context.Context) {
	n, err := s.queue.Count(ctx)
	if err != nil {
		log.Printf("[scheduler] failed to count jobs: %v", err)
		return
	}
	metrics.SetScheduledJobs(int(n))
}
