package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/strideapp/habitsync/internal/store"
)

// setupQueue creates a queue over an in-memory store.
func setupQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	q, err := New(st, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return q, st
}

// enqueueN enqueues n completion creates with strictly increasing timestamps.
func enqueueN(t *testing.T, q *Queue, n int) []string {
	t.Helper()

	base := time.Now()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		op, err := q.Enqueue(context.Background(), Operation{
			Type:        EntityCompletion,
			Action:      ActionCreate,
			Payload:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			OwnerUserID: "u1",
			EntityID:    fmt.Sprintf("c%d", i),
			EnqueuedAt:  base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids[i] = op.ID
	}
	return ids
}

func TestQueue_EnqueueAssignsIDAndTimestamp(t *testing.T) {
	q, _ := setupQueue(t)

	op, err := q.Enqueue(context.Background(), Operation{
		Type:   EntityCompletion,
		Action: ActionCreate,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if op.ID == "" {
		t.Error("Enqueue() left ID empty")
	}
	if op.EnqueuedAt.IsZero() {
		t.Error("Enqueue() left EnqueuedAt zero")
	}
	if op.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", op.RetryCount)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_DrainExecutesInFIFOOrder(t *testing.T) {
	q, _ := setupQueue(t)
	ids := enqueueN(t, q, 5)

	var got []string
	executed, err := q.Drain(context.Background(), func(ctx context.Context, op *Operation) error {
		got = append(got, op.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if executed != 5 {
		t.Errorf("Drain() executed = %d, want 5", executed)
	}
	for i, id := range ids {
		if got[i] != id {
			t.Errorf("execution order[%d] = %s, want %s", i, got[i], id)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain, want 0", q.Len())
	}
}

func TestQueue_FailingOperationRetriedThenDropped(t *testing.T) {
	q, _ := setupQueue(t)
	enqueueN(t, q, 1)

	var attempts int
	exec := func(ctx context.Context, op *Operation) error {
		attempts++
		return errors.New("remote rejected")
	}

	// Each drain pass makes one attempt; the ceiling drops the op on the
	// third failed attempt.
	for i := 0; i < MaxRetries; i++ {
		if _, err := q.Drain(context.Background(), exec); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
	}

	if attempts != MaxRetries {
		t.Errorf("attempts = %d, want %d", attempts, MaxRetries)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after ceiling, want 0 (op dropped)", q.Len())
	}

	// A further drain makes no attempts.
	if _, err := q.Drain(context.Background(), exec); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if attempts != MaxRetries {
		t.Errorf("attempts after drop = %d, want %d", attempts, MaxRetries)
	}
}

func TestQueue_FailureKeepsOperationBeforeCeiling(t *testing.T) {
	q, _ := setupQueue(t)
	enqueueN(t, q, 1)

	if _, err := q.Drain(context.Background(), func(ctx context.Context, op *Operation) error {
		return errors.New("transient")
	}); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if q.Len() != 1 {
		t.Fatalf("Len() = %d after one failure, want 1", q.Len())
	}
	pending := q.Pending()
	if pending[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", pending[0].RetryCount)
	}
	if pending[0].LastAttemptAt == nil {
		t.Error("LastAttemptAt not recorded")
	}
}

func TestQueue_DrainReentrantSafe(t *testing.T) {
	q, _ := setupQueue(t)
	enqueueN(t, q, 3)

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var first int
	go func() {
		defer wg.Done()
		first, _ = q.Drain(context.Background(), func(ctx context.Context, op *Operation) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		})
	}()

	<-started
	// A second drain while the first is in flight must no-op.
	second, err := q.Drain(context.Background(), func(ctx context.Context, op *Operation) error {
		t.Error("overlapping drain executed an operation")
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if second != 0 {
		t.Errorf("overlapping Drain() executed = %d, want 0", second)
	}

	close(release)
	wg.Wait()
	if first != 3 {
		t.Errorf("first Drain() executed = %d, want 3", first)
	}
}

func TestQueue_EmptyDrainNoOps(t *testing.T) {
	q, _ := setupQueue(t)

	executed, err := q.Drain(context.Background(), func(ctx context.Context, op *Operation) error {
		t.Error("executor called on empty queue")
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if executed != 0 {
		t.Errorf("Drain() executed = %d, want 0", executed)
	}
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	q1, st := setupQueue(t)
	ids := enqueueN(t, q1, 2)

	// A new queue over the same store restores the pending operations.
	q2, err := New(st, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Failed to create second queue: %v", err)
	}
	if q2.Len() != 2 {
		t.Fatalf("restored Len() = %d, want 2", q2.Len())
	}

	pending := q2.Pending()
	for i, id := range ids {
		if pending[i].ID != id {
			t.Errorf("restored order[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}
}

func TestQueue_RetryCountPersists(t *testing.T) {
	q1, st := setupQueue(t)
	enqueueN(t, q1, 1)

	if _, err := q1.Drain(context.Background(), func(ctx context.Context, op *Operation) error {
		return errors.New("fail")
	}); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	q2, err := New(st, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Failed to create second queue: %v", err)
	}
	if got := q2.Pending()[0].RetryCount; got != 1 {
		t.Errorf("restored RetryCount = %d, want 1", got)
	}
}

func TestQueue_Clear(t *testing.T) {
	q, st := setupQueue(t)
	enqueueN(t, q, 3)

	var notified int
	q.OnPendingChange(func(count int) { notified = count })

	if err := q.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after clear, want 0", q.Len())
	}
	if notified != 0 {
		t.Errorf("pending hook got %d, want 0", notified)
	}

	// The cleared queue is what a restart sees.
	q2, err := New(st, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Failed to create second queue: %v", err)
	}
	if q2.Len() != 0 {
		t.Errorf("restored Len() = %d after clear, want 0", q2.Len())
	}
}
