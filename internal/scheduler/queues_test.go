package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tasque/internal/domain"
)

func createQueue(t *testing.T, svc *Service, name string, parallelism int, typ string) {
	t.Helper()
	if _, err := svc.CreateQueue(context.Background(), domain.QueueRequest{
		Name: name, Parallelism: parallelism, Type: typ,
	}); err != nil {
		t.Fatalf("create queue %s: %v", name, err)
	}
}

func TestCreateQueueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateQueue(ctx, domain.QueueRequest{}); !domain.IsValidation(err) {
		t.Fatalf("missing name: %v", err)
	}
	if _, err := svc.CreateQueue(ctx, domain.QueueRequest{Name: "q", Type: "lifo"}); !domain.IsValidation(err) {
		t.Fatalf("bad type: %v", err)
	}
	if _, err := svc.CreateQueue(ctx, domain.QueueRequest{Name: "q", Parallelism: -1}); !domain.IsValidation(err) {
		t.Fatalf("negative parallelism: %v", err)
	}
}

func TestEnqueueUnknownQueue(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), "nope", jobRequest("http://example.com", nil))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFifoSequenceNumbers(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createQueue(t, svc, "orders", 1, "fifo")

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := svc.Enqueue(ctx, "orders", jobRequest("http://example.com", func(c *domain.JobConfig) {
			c.Delay = 60_000 // keep them pending
		}))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		m, err := st.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if m.SequenceNumber != int64(i+1) {
			t.Fatalf("message %d sequence = %d, want %d", i, m.SequenceNumber, i+1)
		}
	}
}

func TestStandardQueueHasNoSequence(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createQueue(t, svc, "q", 1, "standard")

	id, err := svc.Enqueue(ctx, "q", jobRequest("http://example.com", func(c *domain.JobConfig) {
		c.Delay = 60_000
	}))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m, err := st.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.SequenceNumber != 0 {
		t.Fatalf("standard message got sequence %d", m.SequenceNumber)
	}
}

func TestParallelismBoundsBatch(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	var inflight, peak, total int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		atomic.AddInt32(&total, 1)
	}))
	t.Cleanup(srv.Close)

	createQueue(t, svc, "q", 2, "standard")
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := svc.Enqueue(ctx, "q", jobRequest(srv.URL, nil))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	waitFor(t, 10*time.Second, func() bool {
		for _, id := range ids {
			m, err := st.GetMessage(ctx, id)
			if err != nil || m.Status != domain.MessageCompleted {
				return false
			}
		}
		return true
	})

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("observed %d concurrent dispatches, parallelism is 2", got)
	}
	if got := atomic.LoadInt32(&total); got != 5 {
		t.Fatalf("dispatched %d messages, want 5", got)
	}
}

func TestMessageRetriesThenFails(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	createQueue(t, svc, "q", 1, "standard")
	id, err := svc.Enqueue(ctx, "q", jobRequest(srv.URL, func(c *domain.JobConfig) {
		c.MaxRetries = 1
	}))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 6*time.Second, func() bool {
		m, err := st.GetMessage(ctx, id)
		return err == nil && m.Status == domain.MessageFailed
	})
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	// Queue wake must be disarmed once nothing is pending.
	waitFor(t, 2*time.Second, func() bool {
		wakes, _ := st.ListWakes(ctx)
		_, armed := wakes[queueKey("q")]
		return !armed
	})
}

func TestDeleteQueueIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createQueue(t, svc, "q", 1, "standard")

	for i := 0; i < 2; i++ {
		if _, err := svc.Enqueue(ctx, "q", jobRequest("http://example.com", func(c *domain.JobConfig) {
			c.Delay = 60_000
		})); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	removed, err := svc.DeleteQueue(ctx, "q")
	if err != nil || removed != 2 {
		t.Fatalf("delete: removed=%d err=%v", removed, err)
	}
	if wakes, _ := st.ListWakes(ctx); len(wakes) != 0 {
		t.Fatalf("wake survived queue delete: %v", wakes)
	}

	if _, err := svc.DeleteQueue(ctx, "q"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := svc.DeleteQueue(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestRecreateQueueKeepsMessagesAndSequence(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createQueue(t, svc, "q", 1, "fifo")

	id, err := svc.Enqueue(ctx, "q", jobRequest("http://example.com", func(c *domain.JobConfig) {
		c.Delay = 60_000
	}))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	createQueue(t, svc, "q", 3, "fifo")
	cfg, err := st.GetQueueConfig(ctx, "q")
	if err != nil || cfg.Parallelism != 3 {
		t.Fatalf("config after recreate: %+v err=%v", cfg, err)
	}
	if _, err := st.GetMessage(ctx, id); err != nil {
		t.Fatalf("message lost on recreate: %v", err)
	}

	id2, err := svc.Enqueue(ctx, "q", jobRequest("http://example.com", func(c *domain.JobConfig) {
		c.Delay = 60_000
	}))
	if err != nil {
		t.Fatalf("enqueue after recreate: %v", err)
	}
	m2, _ := st.GetMessage(ctx, id2)
	if m2.SequenceNumber != 2 {
		t.Fatalf("sequence after recreate = %d, want 2", m2.SequenceNumber)
	}
}
