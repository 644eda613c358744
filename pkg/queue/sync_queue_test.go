package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*SyncQueue, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewSyncQueue(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "test:sync",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func TestSyncQueueEnqueueWritesStreamAndStatus(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, KindPush, "local edit")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.Kind != KindPush {
		t.Fatalf("unexpected job: %+v", job)
	}

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Kind != KindPush || got.Reason != "local edit" || got.Status != StatusQueued {
		t.Fatalf("status record mismatch: %+v", got)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected one stream entry, got %d", streamLen)
	}
}

func TestSyncQueueRejectsUnknownKind(t *testing.T) {
	q, ctx := newTestQueue(t)
	if _, err := q.Enqueue(ctx, "defrag", ""); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestSyncQueueHandleMessageSuccessAcks(t *testing.T) {
	q, ctx := newTestQueue(t)
	job, msg := readOneMessage(t, q, ctx, KindFull)

	q.handleMessage(ctx, msg, func(context.Context, SyncJob) error { return nil })

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusDone || got.Attempts != 1 {
		t.Fatalf("expected done after one attempt, got %+v", got)
	}
	pendingCount, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pendingCount.Count != 0 {
		t.Fatalf("message not acked: %d pending", pendingCount.Count)
	}
}

func TestSyncQueueHandleMessageFailureRequeues(t *testing.T) {
	q, ctx := newTestQueue(t)
	job, msg := readOneMessage(t, q, ctx, KindPull)

	q.handleMessage(ctx, msg, func(context.Context, SyncJob) error {
		return context.DeadlineExceeded
	})

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusQueued || got.Attempts != 1 || got.ErrorMessage == "" {
		t.Fatalf("expected re-queued job with recorded error, got %+v", got)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected the retry entry in the stream, got len=%d", streamLen)
	}
}

func TestSyncQueueFailureBeyondCapDeadLetters(t *testing.T) {
	q, ctx := newTestQueue(t)
	q.maxRetries = 1
	job, msg := readOneMessage(t, q, ctx, KindMessages)

	q.handleMessage(ctx, msg, func(context.Context, SyncJob) error {
		return context.DeadlineExceeded
	})

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed past the cap, got %+v", got)
	}
	streamLen, _ := q.client.XLen(ctx, q.stream).Result()
	if streamLen != 0 {
		t.Fatalf("dead-lettered job still in stream: len=%d", streamLen)
	}
}

func readOneMessage(t *testing.T, q *SyncQueue, ctx context.Context, kind string) (SyncJob, redis.XMessage) {
	t.Helper()
	job, err := q.Enqueue(ctx, kind, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return job, streams[0].Messages[0]
}
