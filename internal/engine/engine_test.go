package engine

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/strideapp/habitsync/internal/cache"
	"github.com/strideapp/habitsync/internal/habit"
	"github.com/strideapp/habitsync/internal/queue"
	"github.com/strideapp/habitsync/internal/remote"
	"github.com/strideapp/habitsync/internal/store"
)

// harness bundles a fully wired engine over an in-memory remote and store.
type harness struct {
	engine *Engine
	remote *remote.MemoryStore
	cache  *cache.TieredCache
	queue  *queue.Queue
	store  *store.Store
}

// setupEngine wires an engine for user u1. The engine starts with the status
// produced by construction (offline) until a test flips connectivity.
func setupEngine(t *testing.T) *harness {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Logger = quiet
	tc := cache.New(cacheCfg, st)

	q, err := queue.New(st, quiet)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	ms := remote.NewMemoryStore()

	cfg := DefaultConfig("u1")
	cfg.Logger = quiet
	cfg.BackoffBase = time.Millisecond
	cfg.Prober = ProbeFunc(func(ctx context.Context) bool { return false })

	eng, err := New(cfg, ms, tc, q, st)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	return &harness{engine: eng, remote: ms, cache: tc, queue: q, store: st}
}

// goOnline flips the engine's connectivity belief, as the prober would.
func (h *harness) goOnline() {
	h.engine.updateStatus(func(s *SyncStatus) { s.IsOnline = true })
}

func TestEngine_OfflineCompletionsQueuedThenDrained(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	// Client offline: three completions for the same habit.
	for i := 0; i < 3; i++ {
		c, err := h.engine.RecordCompletion(ctx, habit.Completion{
			HabitID: "h1",
			Date:    day("2024-01-10").AddDate(0, 0, i),
		})
		if err != nil {
			t.Fatalf("RecordCompletion() error = %v", err)
		}

		// The cache reflects each optimistically.
		if _, ok := h.cache.Get(ctx, habit.CompletionKey(c.ID), cache.DataCompletions); !ok {
			t.Errorf("completion %d not in cache", i)
		}
	}

	if h.queue.Len() != 3 {
		t.Fatalf("queue Len() = %d, want 3", h.queue.Len())
	}
	if got := h.engine.GetSyncStatus().PendingOperationCount; got != 3 {
		t.Fatalf("PendingOperationCount = %d, want 3", got)
	}
	if h.remote.Len(remote.CollectionCompletions) != 0 {
		t.Fatal("remote received writes while offline")
	}

	// Simulated reconnect: drain executes all three.
	h.goOnline()
	executed, err := h.engine.DrainQueue(ctx)
	if err != nil {
		t.Fatalf("DrainQueue() error = %v", err)
	}
	if executed != 3 {
		t.Errorf("DrainQueue() executed = %d, want 3", executed)
	}
	if got := h.engine.GetSyncStatus().PendingOperationCount; got != 0 {
		t.Errorf("PendingOperationCount = %d after drain, want 0", got)
	}
	if h.remote.Len(remote.CollectionCompletions) != 3 {
		t.Errorf("remote completions = %d, want 3", h.remote.Len(remote.CollectionCompletions))
	}
}

func TestEngine_OnlineCompletionWritesDirect(t *testing.T) {
	h := setupEngine(t)
	h.goOnline()
	ctx := context.Background()

	c, err := h.engine.RecordCompletion(ctx, habit.Completion{HabitID: "h1"})
	if err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}

	if _, ok := h.remote.Doc(remote.CollectionCompletions, c.ID); !ok {
		t.Error("completion not written to remote")
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue Len() = %d, want 0 for direct write", h.queue.Len())
	}
	if _, ok := h.cache.Get(ctx, habit.CompletionKey(c.ID), cache.DataCompletions); !ok {
		t.Error("completion not cached after direct write")
	}
}

func TestEngine_DirectWriteFailureFallsBackToQueue(t *testing.T) {
	h := setupEngine(t)
	h.goOnline()
	ctx := context.Background()

	// Every in-call retry fails, so the engine takes the offline path.
	h.remote.FailNextTransactions(10)

	c, err := h.engine.RecordCompletion(ctx, habit.Completion{HabitID: "h1"})
	if err != nil {
		t.Fatalf("RecordCompletion() error = %v, want optimistic fallback", err)
	}

	if h.queue.Len() != 1 {
		t.Errorf("queue Len() = %d, want 1", h.queue.Len())
	}
	if _, ok := h.cache.Get(ctx, habit.CompletionKey(c.ID), cache.DataCompletions); !ok {
		t.Error("completion not cached optimistically")
	}
	if h.engine.GetSyncStatus().IsOnline {
		t.Error("engine still believes it is online after unavailable errors")
	}
}

func TestEngine_CalculateStreakOfflineServesCache(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	want := habit.Streak{
		HabitID:            "h1",
		UserID:             "u1",
		CurrentStreak:      6,
		LastCompletionDate: day("2024-01-10"),
	}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), want, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}

	got, err := h.engine.CalculateStreak(ctx, "h1", "u1")
	if err != nil {
		t.Fatalf("CalculateStreak() error = %v", err)
	}
	if got.CurrentStreak != 6 {
		t.Errorf("CurrentStreak = %d, want 6", got.CurrentStreak)
	}
}

func TestEngine_CalculateStreakResolvesAgainstRemote(t *testing.T) {
	h := setupEngine(t)
	h.goOnline()
	ctx := context.Background()

	local := habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      5,
		LastCompletionDate: day("2024-01-10"),
	}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), local, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}

	remoteStreak := habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      3,
		LastCompletionDate: day("2024-01-12"),
	}
	seedStreak(t, h.remote, remoteStreak)

	got, err := h.engine.CalculateStreak(ctx, "h1", "u1")
	if err != nil {
		t.Fatalf("CalculateStreak() error = %v", err)
	}
	// Later remote date wins.
	if got.CurrentStreak != 3 {
		t.Errorf("CurrentStreak = %d, want 3 (remote wins on later date)", got.CurrentStreak)
	}
}

// seedStreak writes a streak document directly into the remote store.
func seedStreak(t *testing.T, ms *remote.MemoryStore, s habit.Streak) {
	t.Helper()

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal streak: %v", err)
	}
	err = ms.RunTransaction(context.Background(), func(tx remote.Tx) error {
		return tx.Set(remote.CollectionStreaks, s.UserID+":"+s.HabitID, data)
	})
	if err != nil {
		t.Fatalf("seed streak: %v", err)
	}
}

func TestEngine_UseStreakFreezeOfflineIsOptimistic(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	s := habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      10,
		LastCompletionDate: day("2024-01-10"),
		FreezesAvailable:   2,
	}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), s, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}

	used, err := h.engine.UseStreakFreeze(ctx, "h1", "u1", day("2024-01-11"))
	if err != nil {
		t.Fatalf("UseStreakFreeze() error = %v", err)
	}
	if !used {
		t.Fatal("UseStreakFreeze() = false, want true")
	}

	got, ok := cache.GetTyped[habit.Streak](ctx, h.cache, habit.StreakKey("h1", "u1"), cache.DataStreaks)
	if !ok {
		t.Fatal("streak missing from cache after freeze")
	}
	if got.FreezesAvailable != 1 || got.FreezesUsed != 1 {
		t.Errorf("freezes = %d/%d, want available=1 used=1", got.FreezesAvailable, got.FreezesUsed)
	}
	if !got.LastCompletionDate.Equal(day("2024-01-11")) {
		t.Errorf("LastCompletionDate = %v, want missed date", got.LastCompletionDate)
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue Len() = %d, want 1 (queued confirmation)", h.queue.Len())
	}
}

func TestEngine_UseStreakFreezeWithoutCredits(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	s := habit.Streak{HabitID: "h1", UserID: "u1", FreezesAvailable: 0}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), s, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}

	used, err := h.engine.UseStreakFreeze(ctx, "h1", "u1", day("2024-01-11"))
	if err != nil {
		t.Fatalf("UseStreakFreeze() error = %v", err)
	}
	if used {
		t.Error("UseStreakFreeze() = true with no credits, want false")
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue Len() = %d, want 0", h.queue.Len())
	}
}

func TestEngine_RealtimeChangeResolvedIntoCache(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	local := habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      5,
		LastCompletionDate: day("2024-01-10"),
	}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), local, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}

	incoming := habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      7,
		LastCompletionDate: day("2024-01-10"),
	}
	data, err := json.Marshal(incoming)
	if err != nil {
		t.Fatalf("marshal streak: %v", err)
	}

	h.engine.applyChange(ctx, remote.CollectionStreaks, remote.Change{
		DocID: "u1:h1",
		Data:  data,
		Type:  remote.ChangeModified,
	})

	got, ok := cache.GetTyped[habit.Streak](ctx, h.cache, habit.StreakKey("h1", "u1"), cache.DataStreaks)
	if !ok {
		t.Fatal("streak missing after change")
	}
	// Equal dates: higher streak wins.
	if got.CurrentStreak != 7 {
		t.Errorf("CurrentStreak = %d, want 7", got.CurrentStreak)
	}
}

func TestEngine_RemovalChangeInvalidates(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	s := habit.Streak{HabitID: "h1", UserID: "u1", CurrentStreak: 4}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), s, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}

	h.engine.applyChange(ctx, remote.CollectionStreaks, remote.Change{
		DocID: "u1:h1",
		Type:  remote.ChangeRemoved,
	})

	if _, ok := h.cache.Get(ctx, habit.StreakKey("h1", "u1"), cache.DataStreaks); ok {
		t.Error("removed streak still cached")
	}
}

func TestEngine_RealtimeSubscriptionEndToEnd(t *testing.T) {
	h := setupEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.engine.cfg.Prober = ProbeFunc(func(ctx context.Context) bool { return true })
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.engine.Stop()

	// Another device records progress.
	seedStreak(t, h.remote, habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      4,
		LastCompletionDate: day("2024-01-12"),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := cache.GetTyped[habit.Streak](ctx, h.cache, habit.StreakKey("h1", "u1"), cache.DataStreaks); ok {
			if got.CurrentStreak != 4 {
				t.Fatalf("CurrentStreak = %d, want 4", got.CurrentStreak)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("realtime change never reached the cache")
}

func TestEngine_FullSyncRecordsLastSync(t *testing.T) {
	h := setupEngine(t)
	h.goOnline()
	ctx := context.Background()

	seedStreak(t, h.remote, habit.Streak{
		HabitID: "h1", UserID: "u1",
		CurrentStreak:      2,
		LastCompletionDate: day("2024-01-05"),
	})

	if err := h.engine.FullSync(ctx); err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}

	if _, ok := cache.GetTyped[habit.Streak](ctx, h.cache, habit.StreakKey("h1", "u1"), cache.DataStreaks); !ok {
		t.Error("full sync did not populate the cache")
	}

	status := h.engine.GetSyncStatus()
	if status.LastSync.IsZero() {
		t.Error("LastSync not recorded in status")
	}
	if status.SyncInProgress {
		t.Error("SyncInProgress still set after full sync")
	}

	if _, ok, err := h.store.LastSync(ctx); err != nil || !ok {
		t.Errorf("LastSync not persisted: ok=%v err=%v", ok, err)
	}
}

func TestEngine_ClearCache(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	// Populate all namespaces and the queue.
	if _, err := h.engine.RecordCompletion(ctx, habit.Completion{HabitID: "h1"}); err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}
	s := habit.Streak{HabitID: "h1", UserID: "u1", CurrentStreak: 1}
	if err := cache.SetTyped(ctx, h.cache, habit.StreakKey("h1", "u1"), s, cache.DataStreaks); err != nil {
		t.Fatalf("SetTyped() error = %v", err)
	}
	if err := h.store.SetLastSync(ctx, time.Now()); err != nil {
		t.Fatalf("SetLastSync() error = %v", err)
	}

	if err := h.engine.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}

	if got := h.engine.GetSyncStatus().PendingOperationCount; got != 0 {
		t.Errorf("PendingOperationCount = %d after clear, want 0", got)
	}
	for _, ns := range []string{
		store.NamespaceStreaks, store.NamespaceCompletions,
		store.NamespaceQueue, store.NamespaceMeta,
	} {
		n, err := h.store.Count(ctx, ns)
		if err != nil {
			t.Fatalf("Count(%s) error = %v", ns, err)
		}
		if n != 0 {
			t.Errorf("namespace %s has %d entries after clear, want 0", ns, n)
		}
	}
	if _, ok := h.cache.Get(ctx, habit.StreakKey("h1", "u1"), cache.DataStreaks); ok {
		t.Error("memory tier still serves entries after clear")
	}
}

func TestEngine_StatusObserver(t *testing.T) {
	h := setupEngine(t)

	var got []SyncStatus
	unsubscribe := h.engine.OnSyncStatusChange(func(s SyncStatus) {
		got = append(got, s)
	})

	// Notified immediately on subscribe with current state.
	if len(got) != 1 {
		t.Fatalf("observer calls on subscribe = %d, want 1", len(got))
	}
	if got[0].IsOnline {
		t.Error("initial status claims online")
	}

	h.goOnline()
	if len(got) != 2 || !got[1].IsOnline {
		t.Fatalf("observer not notified of online transition: %+v", got)
	}

	unsubscribe()
	h.engine.updateStatus(func(s *SyncStatus) { s.IsOnline = false })
	if len(got) != 2 {
		t.Errorf("observer notified after unsubscribe: %d calls", len(got))
	}
}

func TestEngine_PanickingObserverDoesNotBreakOthers(t *testing.T) {
	h := setupEngine(t)

	var secondCalls int
	h.engine.OnSyncStatusChange(func(s SyncStatus) {
		panic("broken observer")
	})
	h.engine.OnSyncStatusChange(func(s SyncStatus) {
		secondCalls++
	})

	h.goOnline()

	// 1 for subscribe, 1 for the transition.
	if secondCalls != 2 {
		t.Errorf("second observer calls = %d, want 2", secondCalls)
	}
}

func TestEngine_ObserversNotifiedInRegistrationOrder(t *testing.T) {
	h := setupEngine(t)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		h.engine.OnSyncStatusChange(func(s SyncStatus) {
			order = append(order, i)
		})
	}
	order = nil // drop the subscribe-time notifications

	h.goOnline()

	want := []int{1, 2, 3}
	if len(order) != 3 {
		t.Fatalf("notifications = %d, want 3", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}
