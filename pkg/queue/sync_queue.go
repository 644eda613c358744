// Package queue coalesces sync triggers (local edits, reconnects, timers)
// into durable jobs on a redis stream so a crash mid-sync never loses the
// intent to sync.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"notesync/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job kinds. Push sends staged changes, Pull fetches remote state, Messages
// drains the batch message lane, Full does all three.
const (
	KindPush     = "push"
	KindPull     = "pull"
	KindMessages = "messages"
	KindFull     = "full"
)

// SyncJob is one queued sync trigger plus its processing status.
type SyncJob struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Reason       string    `json:"reason,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SyncQueue is a redis-streams job queue with consumer-group delivery,
// stale-claim recovery, and bounded retries.
type SyncQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

// Config configures the sync queue.
type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

// NewSyncQueue creates the queue against an existing redis instance.
func NewSyncQueue(cfg Config) (*SyncQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "notesync:jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "syncer"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &SyncQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue appends a sync trigger to the stream.
func (q *SyncQueue) Enqueue(ctx context.Context, kind, reason string) (SyncJob, error) {
	kind = strings.TrimSpace(kind)
	switch kind {
	case KindPush, KindPull, KindMessages, KindFull:
	default:
		return SyncJob{}, fmt.Errorf("unknown job kind %q", kind)
	}
	job := SyncJob{
		ID:        util.NewID(),
		Kind:      kind,
		Reason:    strings.TrimSpace(reason),
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return SyncJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": job.ID,
			"kind":   job.Kind,
			"reason": job.Reason,
		},
	}).Err(); err != nil {
		return SyncJob{}, err
	}
	return job, nil
}

// GetJob returns a job's status by id.
func (q *SyncQueue) GetJob(ctx context.Context, jobID string) (SyncJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return SyncJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return SyncJob{}, false, err
	}
	if len(data) == 0 {
		return SyncJob{}, false, nil
	}
	return decodeSyncJob(jobID, data), true, nil
}

// Start launches consumer goroutines that invoke handler per job. The sync
// coordinator is single-writer against the local database, so concurrency is
// normally 1.
func (q *SyncQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, SyncJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *SyncQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *SyncQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, SyncJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *SyncQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *SyncQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, SyncJob) error) {
	jobID, _ := msg.Values["job_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	reason, _ := msg.Values["reason"].(string)
	if jobID == "" || kind == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, kind, reason)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markQueued(ctx, jobID, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *SyncQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *SyncQueue) requeueAndAck(ctx context.Context, msgID string, job SyncJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": job.ID,
			"kind":   job.Kind,
			"reason": job.Reason,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *SyncQueue) markProcessing(ctx context.Context, jobID, kind, reason string) (SyncJob, error) {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return SyncJob{}, err
	}
	if job.ID == "" {
		job = SyncJob{ID: jobID}
	}
	if kind != "" {
		job.Kind = kind
	}
	if reason != "" {
		job.Reason = reason
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return SyncJob{}, err
	}
	return job, nil
}

func (q *SyncQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusQueued
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *SyncQueue) markDone(ctx context.Context, jobID string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusDone
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *SyncQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *SyncQueue) writeStatus(ctx context.Context, job SyncJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"kind":      job.Kind,
		"reason":    job.Reason,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *SyncQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeSyncJob(jobID string, data map[string]string) SyncJob {
	job := SyncJob{ID: jobID}
	job.Kind = data["kind"]
	job.Reason = data["reason"]
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
