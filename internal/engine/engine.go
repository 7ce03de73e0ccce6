// Package engine implements the offline-first synchronization engine.
//
// The engine sits between UI/domain callers and the remote document store.
// When online it writes through transactionally; when offline, or when a
// direct write fails, the mutation is applied optimistically to the local
// cache and enqueued for later replay. A connectivity monitor polls
// reachability and drains the pending queue on reconnect, while realtime
// subscriptions push remote changes into the cache through deterministic
// conflict resolution.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strideapp/habitsync/internal/cache"
	"github.com/strideapp/habitsync/internal/habit"
	"github.com/strideapp/habitsync/internal/queue"
	"github.com/strideapp/habitsync/internal/remote"
	"github.com/strideapp/habitsync/internal/store"
)

// SyncStatus is the observable, process-wide sync state.
type SyncStatus struct {
	IsOnline              bool      `json:"is_online"`
	LastSync              time.Time `json:"last_sync"`
	PendingOperationCount int       `json:"pending_operation_count"`
	SyncInProgress        bool      `json:"sync_in_progress"`
}

// Prober checks whether the remote store is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Config holds configuration for the sync engine.
type Config struct {
	// UserID is the owner of this session; subscriptions and queries are
	// filtered to it.
	UserID string

	// PollInterval is how often connectivity is probed (default: 30s).
	// Polling is used instead of OS reachability callbacks because those
	// are unreliable across targets.
	PollInterval time.Duration

	// BackoffBase is the first in-call retry delay for a failed
	// transactional write (default: 200ms). This is separate from the
	// queue's cross-session retry count.
	BackoffBase time.Duration

	// BackoffAttempts is how many times a transactional write is attempted
	// before being reported as failed (default: 3).
	BackoffAttempts int

	// Collections to watch for realtime changes. Defaults to streaks,
	// completions, and milestones.
	Collections []string

	// Prober overrides the reachability check. Defaults to a cheap remote
	// query.
	Prober Prober

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given user.
func DefaultConfig(userID string) *Config {
	return &Config{
		UserID:          userID,
		PollInterval:    30 * time.Second,
		BackoffBase:     200 * time.Millisecond,
		BackoffAttempts: 3,
		Collections: []string{
			remote.CollectionStreaks,
			remote.CollectionCompletions,
			remote.CollectionMilestones,
		},
		Logger: log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// statusObserver pairs a callback with a registration id so unsubscribing is
// stable regardless of slice reordering.
type statusObserver struct {
	id int
	fn func(SyncStatus)
}

// Engine orchestrates caching, queuing, realtime propagation, and
// connectivity tracking for one user session. Construct one per session via
// New; there are no package-level singletons.
type Engine struct {
	cfg    *Config
	remote remote.Store
	cache  *cache.TieredCache
	queue  *queue.Queue
	store  *store.Store
	logger *log.Logger

	mu           sync.Mutex
	status       SyncStatus
	observers    []statusObserver
	nextObserver int
	syncing      bool
	subCancels   []context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sync engine. The queue's pending count and the persisted
// last-sync timestamp seed the initial status.
func New(cfg *Config, rs remote.Store, tc *cache.TieredCache, q *queue.Queue, st *store.Store) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("UserID cannot be empty")
	}
	if rs == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if tc == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}

	defaults := DefaultConfig(cfg.UserID)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffAttempts <= 0 {
		cfg.BackoffAttempts = defaults.BackoffAttempts
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = defaults.Collections
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	e := &Engine{
		cfg:    cfg,
		remote: rs,
		cache:  tc,
		queue:  q,
		store:  st,
		logger: cfg.Logger,
		status: SyncStatus{PendingOperationCount: q.Len()},
	}

	if cfg.Prober == nil {
		cfg.Prober = ProbeFunc(e.defaultProbe)
	}

	if st != nil {
		if last, ok, err := st.LastSync(context.Background()); err == nil && ok {
			e.status.LastSync = last
		}
	}

	q.OnPendingChange(func(count int) {
		e.updateStatus(func(s *SyncStatus) { s.PendingOperationCount = count })
	})

	return e, nil
}

// Start begins connectivity monitoring and realtime subscriptions.
// It returns immediately; call Stop on session end.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.cancel = context.WithCancel(ctx)

	online := e.cfg.Prober.Probe(e.runCtx)
	e.updateStatus(func(s *SyncStatus) { s.IsOnline = online })

	if online {
		e.subscribeAll(e.runCtx)
	}

	e.wg.Add(1)
	go e.connectivityLoop(e.runCtx)

	e.logger.Printf("Engine started for user %s (online=%v, pending=%d)",
		e.cfg.UserID, online, e.queue.Len())
	return nil
}

// Stop unsubscribes all realtime listeners and halts background loops.
// Listeners must not leak across user switches.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	cancels := e.subCancels
	e.subCancels = nil
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	e.wg.Wait()
	e.logger.Println("Engine stopped")
}

// defaultProbe checks reachability with a cheap remote query.
func (e *Engine) defaultProbe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := e.remote.Query(probeCtx, remote.CollectionStreaks, remote.Filter{"user_id": e.cfg.UserID})
	return err == nil
}

// connectivityLoop periodically probes reachability. An offline-to-online
// transition triggers an immediate queue drain and fresh subscriptions.
func (e *Engine) connectivityLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			online := e.cfg.Prober.Probe(ctx)
			e.setOnline(ctx, online)
		}
	}
}

// setOnline records a connectivity observation and reacts to transitions.
func (e *Engine) setOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.status.IsOnline
	e.mu.Unlock()

	if was == online {
		return
	}

	e.updateStatus(func(s *SyncStatus) { s.IsOnline = online })

	if online {
		e.logger.Println("Connectivity restored, draining pending operations")
		e.subscribeAll(ctx)
		if _, err := e.DrainQueue(ctx); err != nil {
			e.logger.Printf("Warning: drain after reconnect failed: %v", err)
		}
	} else {
		e.logger.Println("Connectivity lost, entering offline mode")
	}
}

// subscribeAll (re)opens realtime subscriptions for every watched collection.
// Prior subscriptions are cancelled first so listeners never pile up.
func (e *Engine) subscribeAll(ctx context.Context) {
	e.mu.Lock()
	cancels := e.subCancels
	e.subCancels = nil
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	filter := remote.Filter{"user_id": e.cfg.UserID}
	for _, collection := range e.cfg.Collections {
		ch, cancel, err := e.remote.Subscribe(ctx, collection, filter)
		if err != nil {
			e.logger.Printf("Failed to subscribe to %s: %v", collection, err)
			if remote.IsUnavailable(err) {
				// Fail safe toward offline mode rather than silently
				// dropping updates.
				e.updateStatus(func(s *SyncStatus) { s.IsOnline = false })
			}
			continue
		}

		e.mu.Lock()
		e.subCancels = append(e.subCancels, cancel)
		e.mu.Unlock()

		e.wg.Add(1)
		go e.changeLoop(ctx, collection, ch)
	}
}

// changeLoop applies server-pushed changes for one collection in the order
// received.
func (e *Engine) changeLoop(ctx context.Context, collection string, ch <-chan remote.Change) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case change, ok := <-ch:
			if !ok {
				e.logger.Printf("Subscription to %s ended", collection)
				return
			}
			e.applyChange(ctx, collection, change)
		}
	}
}

// applyChange merges one remote change into the cache.
func (e *Engine) applyChange(ctx context.Context, collection string, change remote.Change) {
	switch collection {
	case remote.CollectionStreaks:
		key := "streak:" + change.DocID
		if change.Type == remote.ChangeRemoved {
			e.cache.Invalidate(ctx, key)
			return
		}

		var incoming habit.Streak
		if err := json.Unmarshal(change.Data, &incoming); err != nil {
			e.logger.Printf("Warning: dropping malformed streak change %s: %v", change.DocID, err)
			return
		}

		resolved := incoming
		if local, ok := cache.GetTyped[habit.Streak](ctx, e.cache, key, cache.DataStreaks); ok {
			resolved = ResolveStreak(local, incoming)
		}
		e.cacheStreak(ctx, resolved)

	case remote.CollectionCompletions:
		key := habit.CompletionKey(change.DocID)
		if change.Type == remote.ChangeRemoved {
			e.cache.Invalidate(ctx, key)
			return
		}
		// Completions are append-only: remote overwrites local.
		e.cache.Set(ctx, key, change.Data, cache.DataCompletions)

	case remote.CollectionMilestones:
		key := "milestone:" + change.DocID
		if change.Type == remote.ChangeRemoved {
			e.cache.Invalidate(ctx, key)
			return
		}
		e.cache.Set(ctx, key, change.Data, cache.DataAnalytics)
	}
}

// cacheStreak writes a streak to the cache and invalidates derived analytics
// for its user.
func (e *Engine) cacheStreak(ctx context.Context, s habit.Streak) {
	key := habit.StreakKey(s.HabitID, s.UserID)
	dep := "analytics:" + s.UserID + ":*"
	if err := cache.SetTyped(ctx, e.cache, key, s, cache.DataStreaks, dep); err != nil {
		e.logger.Printf("Warning: failed to cache streak %s: %v", key, err)
	}
}

// streakDocID is the remote document id for a habit's streak.
func streakDocID(habitID, userID string) string {
	return userID + ":" + habitID
}

// RecordCompletion records a habit completion.
//
// Online, the completion is written in a transaction and cached. On any
// failure, or when offline, it is applied optimistically to the cache and
// enqueued for replay; the returned completion is then the optimistic copy.
func (e *Engine) RecordCompletion(ctx context.Context, c habit.Completion) (habit.Completion, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.UserID == "" {
		c.UserID = e.cfg.UserID
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}
	if c.Date.IsZero() {
		c.Date = c.CompletedAt.Truncate(24 * time.Hour)
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return habit.Completion{}, fmt.Errorf("failed to serialize completion: %w", err)
	}

	if e.isOnline() {
		err := e.runTransactionWithBackoff(ctx, func(tx remote.Tx) error {
			return tx.Set(remote.CollectionCompletions, c.ID, payload)
		})
		if err == nil {
			e.cache.Set(ctx, habit.CompletionKey(c.ID), payload, cache.DataCompletions)
			return c, nil
		}
		e.logger.Printf("Direct write failed, falling back to offline path: %v", err)
		if remote.IsUnavailable(err) {
			e.updateStatus(func(s *SyncStatus) { s.IsOnline = false })
		}
	}

	// Optimistic write plus queued replay.
	e.cache.Set(ctx, habit.CompletionKey(c.ID), payload, cache.DataCompletions)
	_, err = e.queue.Enqueue(ctx, queue.Operation{
		Type:        queue.EntityCompletion,
		Action:      queue.ActionCreate,
		Payload:     payload,
		OwnerUserID: c.UserID,
		EntityID:    c.ID,
	})
	if err != nil {
		return habit.Completion{}, fmt.Errorf("failed to enqueue completion: %w", err)
	}
	return c, nil
}

// CalculateStreak returns the streak for a habit, serving from cache when
// offline. An online read resolves the remote copy against the cache before
// returning it.
func (e *Engine) CalculateStreak(ctx context.Context, habitID, userID string) (habit.Streak, error) {
	key := habit.StreakKey(habitID, userID)
	local, cached := cache.GetTyped[habit.Streak](ctx, e.cache, key, cache.DataStreaks)

	if !e.isOnline() {
		if cached {
			return local, nil
		}
		return habit.Streak{HabitID: habitID, UserID: userID}, nil
	}

	docs, err := e.remote.Query(ctx, remote.CollectionStreaks,
		remote.Filter{"user_id": userID, "habit_id": habitID})
	if err != nil {
		if remote.IsUnavailable(err) {
			e.updateStatus(func(s *SyncStatus) { s.IsOnline = false })
		}
		if cached {
			return local, nil
		}
		return habit.Streak{HabitID: habitID, UserID: userID}, nil
	}

	if len(docs) == 0 {
		if cached {
			return local, nil
		}
		return habit.Streak{HabitID: habitID, UserID: userID}, nil
	}

	var incoming habit.Streak
	if err := json.Unmarshal(docs[0].Data, &incoming); err != nil {
		return habit.Streak{}, fmt.Errorf("failed to parse remote streak: %w", err)
	}

	resolved := incoming
	if cached {
		resolved = ResolveStreak(local, incoming)
	}
	e.cacheStreak(ctx, resolved)
	return resolved, nil
}

// UseStreakFreeze consumes one streak-freeze credit to preserve the streak
// across missedDate. The decrement is applied optimistically; when the
// direct write fails the confirmation is queued. Returns false when no
// freezes are available.
func (e *Engine) UseStreakFreeze(ctx context.Context, habitID, userID string, missedDate time.Time) (bool, error) {
	s, err := e.CalculateStreak(ctx, habitID, userID)
	if err != nil {
		return false, err
	}
	if s.FreezesAvailable <= 0 {
		return false, nil
	}

	s.FreezesAvailable--
	s.FreezesUsed++
	if missedDate.After(s.LastCompletionDate) {
		s.LastCompletionDate = missedDate
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("failed to serialize streak: %w", err)
	}

	docID := streakDocID(habitID, userID)
	if e.isOnline() {
		err := e.runTransactionWithBackoff(ctx, func(tx remote.Tx) error {
			return tx.Set(remote.CollectionStreaks, docID, payload)
		})
		if err == nil {
			e.cacheStreak(ctx, s)
			return true, nil
		}
		e.logger.Printf("Freeze write failed, falling back to offline path: %v", err)
		if remote.IsUnavailable(err) {
			e.updateStatus(func(st *SyncStatus) { st.IsOnline = false })
		}
	}

	e.cacheStreak(ctx, s)
	_, err = e.queue.Enqueue(ctx, queue.Operation{
		Type:        queue.EntityStreak,
		Action:      queue.ActionUpdate,
		Payload:     payload,
		OwnerUserID: userID,
		EntityID:    docID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue freeze: %w", err)
	}
	return true, nil
}

// DrainQueue replays all pending operations against the remote store in FIFO
// order. Safe to call at any time; overlapping drains no-op.
func (e *Engine) DrainQueue(ctx context.Context) (int, error) {
	e.updateStatus(func(s *SyncStatus) { s.SyncInProgress = true })
	defer e.updateStatus(func(s *SyncStatus) { s.SyncInProgress = false })

	return e.queue.Drain(ctx, e.applyOperation)
}

// applyOperation executes one queued operation as a transactional write.
func (e *Engine) applyOperation(ctx context.Context, op *queue.Operation) error {
	collection, err := collectionFor(op.Type)
	if err != nil {
		return err
	}

	return e.runTransactionWithBackoff(ctx, func(tx remote.Tx) error {
		switch op.Action {
		case queue.ActionDelete:
			return tx.Delete(collection, op.EntityID)
		case queue.ActionCreate, queue.ActionUpdate:
			return tx.Set(collection, op.EntityID, op.Payload)
		default:
			return fmt.Errorf("unknown action %q", op.Action)
		}
	})
}

// collectionFor maps an entity type to its remote collection.
func collectionFor(t queue.EntityType) (string, error) {
	switch t {
	case queue.EntityCompletion:
		return remote.CollectionCompletions, nil
	case queue.EntityStreak:
		return remote.CollectionStreaks, nil
	case queue.EntityMilestone:
		return remote.CollectionMilestones, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", t)
	}
}

// runTransactionWithBackoff retries a failed transactional write with bounded
// exponential backoff. This in-call retry is separate from the queue's
// cross-session RetryCount.
func (e *Engine) runTransactionWithBackoff(ctx context.Context, fn func(tx remote.Tx) error) error {
	var err error
	delay := e.cfg.BackoffBase

	for attempt := 0; attempt < e.cfg.BackoffAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err = e.remote.RunTransaction(ctx, fn); err == nil {
			return nil
		}
	}
	return err
}

// FullSync queries every watched collection and reconciles the results into
// the cache. Overlapping full syncs no-op.
func (e *Engine) FullSync(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.updateStatus(func(s *SyncStatus) { s.SyncInProgress = true })
	defer e.updateStatus(func(s *SyncStatus) { s.SyncInProgress = false })

	e.logger.Println("Starting full sync")
	filter := remote.Filter{"user_id": e.cfg.UserID}

	for _, collection := range e.cfg.Collections {
		docs, err := e.remote.Query(ctx, collection, filter)
		if err != nil {
			if remote.IsUnavailable(err) {
				e.updateStatus(func(s *SyncStatus) { s.IsOnline = false })
			}
			return fmt.Errorf("full sync of %s failed: %w", collection, err)
		}

		for _, doc := range docs {
			e.applyChange(ctx, collection, remote.Change{
				DocID: doc.ID,
				Data:  doc.Data,
				Type:  remote.ChangeModified,
			})
		}
		e.logger.Printf("Synced %d documents from %s", len(docs), collection)
	}

	now := time.Now()
	if e.store != nil {
		if err := e.store.SetLastSync(ctx, now); err != nil {
			e.logger.Printf("Warning: failed to record last-sync time: %v", err)
		}
	}
	e.updateStatus(func(s *SyncStatus) {
		s.LastSync = now
		s.IsOnline = true
	})

	e.logger.Println("Full sync complete")
	return nil
}

// ClearCache wipes all persisted cache namespaces and the pending-operation
// queue. Used on sign-out.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}

	e.cache.InvalidateAll()

	if e.store != nil {
		if err := e.store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear store: %w", err)
		}
	}

	e.updateStatus(func(s *SyncStatus) {
		s.PendingOperationCount = 0
		s.LastSync = time.Time{}
	})

	e.logger.Println("Cache and pending queue cleared")
	return nil
}

// GetSyncStatus returns a snapshot of the current status.
func (e *Engine) GetSyncStatus() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// OnSyncStatusChange registers an observer. The callback is invoked
// immediately with the current status, then synchronously after every status
// update, in registration order. The returned func unsubscribes.
//
// An observer that panics does not break the notification loop for the
// remaining observers.
func (e *Engine) OnSyncStatusChange(fn func(SyncStatus)) func() {
	e.mu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers = append(e.observers, statusObserver{id: id, fn: fn})
	current := e.status
	e.mu.Unlock()

	notifyObserver(fn, current)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, obs := range e.observers {
			if obs.id == id {
				e.observers = append(e.observers[:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

// isOnline returns the current connectivity belief.
func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.IsOnline
}

// updateStatus merges a patch into the status and notifies observers
// synchronously in registration order.
func (e *Engine) updateStatus(patch func(*SyncStatus)) {
	e.mu.Lock()
	patch(&e.status)
	snapshot := e.status
	observers := make([]statusObserver, len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, obs := range observers {
		notifyObserver(obs.fn, snapshot)
	}
}

// notifyObserver invokes one observer, containing any panic it raises.
func notifyObserver(fn func(SyncStatus), s SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			// Swallow so one broken observer cannot starve the rest.
		}
	}()
	fn(s)
}
