// Package queue implements a small Redis-backed repeating-job queue.
// A job is declared once in a hash and rescheduled through a sorted set
// of due times, so jobs survive restarts and dedupe by ID.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyRepeat  = "jobq:repeat"
	keyDelayed = "jobq:delayed"

	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

func stateKey(state string) string {
	return "jobq:" + state
}

// repeatSpec is the persisted declaration of a repeating job.
type repeatSpec struct {
	Payload  json.RawMessage `json:"payload"`
	PeriodMs int64           `json:"period_ms"`
}

// Job is one claimed run of a repeating job.
type Job struct {
	ID       string
	Payload  json.RawMessage
	Period   time.Duration
	Instance string
	started  time.Time
}

// Instance is the observability record kept per job and state.
type Instance struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	Payload    json.RawMessage `json:"payload"`
	State      string          `json:"state"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// AddRepeating declares a repeating job. Declaring the same jobID again
// overwrites the stored payload and period but never duplicates the
// schedule entry, so there is at most one repeating job per ID. The
// first run is due immediately.
func (q *Queue) AddRepeating(ctx context.Context, jobID string, payload any, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive, got %s", period)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", jobID, err)
	}
	spec, err := json.Marshal(repeatSpec{Payload: raw, PeriodMs: period.Milliseconds()})
	if err != nil {
		return fmt.Errorf("failed to marshal spec for %s: %w", jobID, err)
	}

	if err := q.rdb.HSet(ctx, keyRepeat, jobID, spec).Err(); err != nil {
		return fmt.Errorf("failed to register job %s: %w", jobID, err)
	}
	err = q.rdb.ZAddNX(ctx, keyDelayed, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", jobID, err)
	}
	return nil
}

// RemoveRepeating drops the declaration and any pending schedule entry.
func (q *Queue) RemoveRepeating(ctx context.Context, jobID string) error {
	if err := q.rdb.HDel(ctx, keyRepeat, jobID).Err(); err != nil {
		return fmt.Errorf("failed to deregister job %s: %w", jobID, err)
	}
	if err := q.rdb.ZRem(ctx, keyDelayed, jobID).Err(); err != nil {
		return fmt.Errorf("failed to unschedule job %s: %w", jobID, err)
	}
	return nil
}

// ListRepeating returns all declared job IDs.
func (q *Queue) ListRepeating(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.HKeys(ctx, keyRepeat).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list repeating jobs: %w", err)
	}
	return ids, nil
}

// Count returns the number of declared repeating jobs.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	n, err := q.rdb.HLen(ctx, keyRepeat).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count repeating jobs: %w", err)
	}
	return n, nil
}

// Due claims up to limit jobs whose schedule time has passed. A schedule
// entry is claimed by removing it from the sorted set; the remove count
// tells us whether we won the race, so concurrent pollers never hand the
// same run to two workers.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int64) ([]Job, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan due jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return jobs, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if removed != 1 {
			// Another poller claimed it first.
			continue
		}

		data, err := q.rdb.HGet(ctx, keyRepeat, id).Bytes()
		if err == redis.Nil {
			// Obliterated between scan and claim; drop the run.
			continue
		}
		if err != nil {
			return jobs, fmt.Errorf("failed to load spec for %s: %w", id, err)
		}
		var spec repeatSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			log.Printf("[queue] dropping job %s with corrupt spec: %v", id, err)
			q.rdb.HDel(ctx, keyRepeat, id)
			continue
		}

		job := Job{
			ID:       id,
			Payload:  spec.Payload,
			Period:   time.Duration(spec.PeriodMs) * time.Millisecond,
			Instance: uuid.NewString(),
			started:  time.Now().UTC(),
		}
		q.recordInstance(ctx, job, StateActive, nil)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Complete marks the run done and schedules the next one while the job
// is still declared.
func (q *Queue) Complete(ctx context.Context, job Job) error {
	q.clearInstance(ctx, job.ID, StateActive)
	q.recordInstance(ctx, job, StateCompleted, nil)
	return q.Requeue(ctx, job)
}

// Fail records the error and still schedules the next run: repeating
// jobs never retry early, they just wait for their period.
func (q *Queue) Fail(ctx context.Context, job Job, cause error) error {
	q.clearInstance(ctx, job.ID, StateActive)
	q.recordInstance(ctx, job, StateFailed, cause)
	return q.Requeue(ctx, job)
}

// Requeue schedules the next run, but only while the declaration still
// exists so an obliterate during processing wins.
func (q *Queue) Requeue(ctx context.Context, job Job) error {
	exists, err := q.rdb.HExists(ctx, keyRepeat, job.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check job %s: %w", job.ID, err)
	}
	if !exists {
		return nil
	}
	err = q.rdb.ZAddNX(ctx, keyDelayed, redis.Z{
		Score:  float64(time.Now().Add(job.Period).UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Obliterate removes every trace of a job: declaration, schedule entry
// and instance records. Removal is best effort; partial failures are
// logged and never propagated so callers can treat it as final.
func (q *Queue) Obliterate(ctx context.Context, jobID string) error {
	if err := q.rdb.HDel(ctx, keyRepeat, jobID).Err(); err != nil {
		log.Printf("[queue] obliterate %s: failed to drop declaration: %v", jobID, err)
	}
	if err := q.rdb.ZRem(ctx, keyDelayed, jobID).Err(); err != nil {
		log.Printf("[queue] obliterate %s: failed to drop schedule: %v", jobID, err)
	}
	for _, state := range []string{StateActive, StateCompleted, StateFailed} {
		if err := q.rdb.HDel(ctx, stateKey(state), jobID).Err(); err != nil {
			log.Printf("[queue] obliterate %s: failed to drop %s record: %v", jobID, state, err)
		}
	}
	return nil
}

// ReconcileStalled reschedules declared jobs that are neither queued nor
// visibly running. A claim removes the schedule entry before processing,
// so a crash between claim and requeue would otherwise stall the job
// forever.
func (q *Queue) ReconcileStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.rdb.HKeys(ctx, keyRepeat).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list repeating jobs: %w", err)
	}

	rescued := 0
	cutoff := time.Now().Add(-olderThan)
	for _, id := range ids {
		_, err := q.rdb.ZScore(ctx, keyDelayed, id).Result()
		if err == nil {
			continue // still scheduled
		}
		if err != redis.Nil {
			return rescued, fmt.Errorf("failed to check schedule for %s: %w", id, err)
		}

		raw, err := q.rdb.HGet(ctx, stateKey(StateActive), id).Bytes()
		if err == nil {
			var inst Instance
			if json.Unmarshal(raw, &inst) == nil && inst.StartedAt.After(cutoff) {
				continue // a worker picked it up recently
			}
		} else if err != redis.Nil {
			return rescued, fmt.Errorf("failed to check active record for %s: %w", id, err)
		}

		err = q.rdb.ZAddNX(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: id,
		}).Err()
		if err != nil {
			return rescued, fmt.Errorf("failed to reschedule %s: %w", id, err)
		}
		rescued++
	}
	return rescued, nil
}

// InstancesByState returns the most recent run record per job in the
// given state.
func (q *Queue) InstancesByState(ctx context.Context, state string) ([]Instance, error) {
	entries, err := q.rdb.HGetAll(ctx, stateKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s instances: %w", state, err)
	}
	out := make([]Instance, 0, len(entries))
	for jobID, raw := range entries {
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			log.Printf("[queue] skipping corrupt %s record for %s: %v", state, jobID, err)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// recordInstance keeps one record per job and state, so the state hashes
// stay bounded by the number of declared jobs.
func (q *Queue) recordInstance(ctx context.Context, job Job, state string, cause error) {
	inst := Instance{
		ID:        job.Instance,
		JobID:     job.ID,
		Payload:   job.Payload,
		State:     state,
		StartedAt: job.started,
	}
	if state != StateActive {
		inst.FinishedAt = time.Now().UTC()
	}
	if cause != nil {
		inst.Error = cause.Error()
	}
	data, err := json.Marshal(inst)
	if err != nil {
		log.Printf("[queue] failed to marshal %s record for %s: %v", state, job.ID, err)
		return
	}
	if err := q.rdb.HSet(ctx, stateKey(state), job.ID, data).Err(); err != nil {
		log.Printf("[queue] failed to record %s instance for %s: %v", state, job.ID, err)
	}
}

func (q *Queue) clearInstance(ctx context.Context, jobID, state string) {
	if err := q.rdb.HDel(ctx, stateKey(state), jobID).Err(); err != nil {
		log.Printf("[queue] failed to clear %s record for %s: %v", state, jobID, err)
	}
}
