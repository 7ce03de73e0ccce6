// Package queue implements the durable queue of pending mutations that could
// not be confirmed against the remote store immediately.
//
// Operations are persisted as a single serialized list so the queue survives
// process restarts, and drained in FIFO order by enqueue time when
// connectivity returns. Delivery is best-effort: an operation that fails
// repeatedly is dropped after a fixed retry ceiling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strideapp/habitsync/internal/store"
)

// MaxRetries is the per-operation retry ceiling. An operation whose
// RetryCount reaches this value is permanently dropped with a logged
// warning. This is a deliberate, documented data-loss tradeoff: a later full
// resync does NOT heal a dropped mutation.
const MaxRetries = 3

// EntityType identifies the kind of entity an operation mutates.
type EntityType string

const (
	EntityCompletion EntityType = "completion"
	EntityStreak     EntityType = "streak"
	EntityMilestone  EntityType = "milestone"
)

// Action is the mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is one pending mutation awaiting replay against the remote store.
type Operation struct {
	// ID is unique and stable across process restarts.
	ID string `json:"id"`

	Type   EntityType `json:"type"`
	Action Action     `json:"action"`

	// Payload is the serialized entity to apply.
	Payload json.RawMessage `json:"payload"`

	// OwnerUserID is the user the mutation belongs to.
	OwnerUserID string `json:"owner_user_id"`

	// EntityID identifies the target document for updates and deletes.
	EntityID string `json:"entity_id,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// RetryCount increments only on execution failure.
	RetryCount int `json:"retry_count"`

	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Executor applies one operation as an atomic transactional write against the
// remote store. A non-nil error counts as a failed attempt.
type Executor func(ctx context.Context, op *Operation) error

// Queue is the durable, ordered queue of pending operations.
//
// Queue is safe for concurrent use, but Drain itself is re-entrant-safe: a
// drain already in progress causes subsequent calls to no-op.
type Queue struct {
	mu       sync.Mutex
	ops      map[string]*Operation
	draining bool

	store  *store.Store
	logger *log.Logger

	// onPending, when set, is told the pending count after every change.
	onPending func(count int)
}

// New creates a Queue backed by st and loads any operations persisted by a
// previous session.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	q := &Queue{
		ops:    make(map[string]*Operation),
		store:  st,
		logger: logger,
	}

	if err := q.load(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// OnPendingChange registers a hook receiving the pending count after every
// mutation of the queue. Used by the sync engine to keep status current.
func (q *Queue) OnPendingChange(fn func(count int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPending = fn
}

// load restores the queue from the persisted serialized list.
func (q *Queue) load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	raw, ok, err := q.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending queue: %w", err)
	}
	if !ok {
		return nil
	}

	var ops []*Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return fmt.Errorf("failed to parse pending queue: %w", err)
	}

	for _, op := range ops {
		q.ops[op.ID] = op
	}

	if len(ops) > 0 {
		q.logger.Printf("Restored %d pending operations", len(ops))
	}
	return nil
}

// persistLocked writes the full queue atomically (load-modify-store; no
// partial writes). Caller must hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	ops := q.sortedLocked()
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to serialize pending queue: %w", err)
	}
	if err := q.store.SaveQueue(ctx, raw); err != nil {
		return fmt.Errorf("failed to persist pending queue: %w", err)
	}
	return nil
}

// sortedLocked returns operations in ascending enqueue-time order.
// Caller must hold q.mu.
func (q *Queue) sortedLocked() []*Operation {
	ops := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	return ops
}

// Enqueue assigns an id and timestamp to the operation, appends it, and
// persists the full queue.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (*Operation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	op.RetryCount = 0

	q.mu.Lock()
	q.ops[op.ID] = &op
	err := q.persistLocked(ctx)
	pending := len(q.ops)
	hook := q.onPending
	q.mu.Unlock()

	if err != nil {
		return nil, err
	}

	q.logger.Printf("Enqueued %s %s (%s), pending=%d", op.Action, op.Type, op.ID, pending)
	if hook != nil {
		hook(pending)
	}
	return &op, nil
}

// Drain executes all pending operations in FIFO order by enqueue time.
//
// Drain is idempotent and re-entrant-safe: it no-ops if a drain is already in
// progress or the queue is empty. Each operation is executed via exec; on
// failure its RetryCount is incremented and it is kept for a later pass,
// unless the retry ceiling is reached, in which case it is permanently
// dropped with a warning. After the pass the queue is re-persisted.
//
// Returns the number of operations successfully executed.
func (q *Queue) Drain(ctx context.Context, exec Executor) (int, error) {
	q.mu.Lock()
	if q.draining || len(q.ops) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	q.draining = true
	ops := q.sortedLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.logger.Printf("Draining %d pending operations", len(ops))

	var executed int
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			break
		}

		now := time.Now()
		err := exec(ctx, op)

		q.mu.Lock()
		current, ok := q.ops[op.ID]
		if !ok {
			// Removed concurrently (e.g. Clear during drain).
			q.mu.Unlock()
			continue
		}

		if err == nil {
			delete(q.ops, op.ID)
			executed++
			q.mu.Unlock()
			continue
		}

		current.RetryCount++
		current.LastAttemptAt = &now
		if current.RetryCount >= MaxRetries {
			delete(q.ops, op.ID)
			q.mu.Unlock()
			q.logger.Printf("WARNING: dropping operation %s (%s %s) after %d failed attempts: %v (payload: %s)",
				op.ID, op.Action, op.Type, current.RetryCount, err, op.Payload)
			continue
		}
		q.mu.Unlock()
		q.logger.Printf("Operation %s failed (attempt %d/%d): %v", op.ID, current.RetryCount, MaxRetries, err)
	}

	q.mu.Lock()
	perr := q.persistLocked(ctx)
	pending := len(q.ops)
	hook := q.onPending
	q.mu.Unlock()

	if perr != nil {
		q.logger.Printf("WARNING: failed to persist queue after drain: %v", perr)
	}

	q.logger.Printf("Drain complete: executed=%d, pending=%d", executed, pending)
	if hook != nil {
		hook(pending)
	}
	return executed, perr
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a snapshot of pending operations in FIFO order.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.sortedLocked()
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// Clear drops all pending operations and persists the empty queue.
// Used on sign-out.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.ops = make(map[string]*Operation)
	err := q.persistLocked(ctx)
	hook := q.onPending
	q.mu.Unlock()

	if hook != nil {
		hook(0)
	}
	return err
}
