package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It is used by tests and
// local development, and supports fault injection: SetOffline makes every
// call fail with ErrUnavailable, and FailNextTransactions makes a number of
// upcoming transactions fail.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	subscribers []*memorySub

	offline    bool
	txFailures int
}

type memorySub struct {
	collection string
	filter     Filter
	ch         chan Change
	done       chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]json.RawMessage),
	}
}

// SetOffline toggles simulated unreachability.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNextTransactions makes the next n transactions fail with ErrUnavailable.
func (m *MemoryStore) FailNextTransactions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txFailures = n
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context, collection string, filter Filter) (<-chan Change, context.CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return nil, nil, fmt.Errorf("subscribe %s: %w", collection, ErrUnavailable)
	}

	sub := &memorySub{
		collection: collection,
		filter:     filter,
		ch:         make(chan Change, 64),
		done:       make(chan struct{}),
	}
	m.subscribers = append(m.subscribers, sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			for i, s := range m.subscribers {
				if s == sub {
					m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
			close(sub.done)
			close(sub.ch)
		})
	}

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}

	return sub.ch, cancel, nil
}

// RunTransaction implements Store. Writes commit atomically under the store
// lock and are broadcast to matching subscribers in write order.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return fmt.Errorf("transaction: %w", ErrUnavailable)
	}
	if m.txFailures > 0 {
		m.txFailures--
		m.mu.Unlock()
		return fmt.Errorf("transaction: %w", ErrUnavailable)
	}
	m.mu.Unlock()

	tx := &memoryTx{store: m, writes: make([]memoryWrite, 0, 4)}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	var changes []pendingChange
	for _, w := range tx.writes {
		coll := m.collections[w.collection]
		if coll == nil {
			coll = make(map[string]json.RawMessage)
			m.collections[w.collection] = coll
		}

		if w.delete {
			if _, ok := coll[w.id]; !ok {
				continue
			}
			delete(coll, w.id)
			changes = append(changes, pendingChange{w.collection, Change{DocID: w.id, Type: ChangeRemoved}})
			continue
		}

		typ := ChangeAdded
		if _, ok := coll[w.id]; ok {
			typ = ChangeModified
		}
		coll[w.id] = w.data
		changes = append(changes, pendingChange{w.collection, Change{DocID: w.id, Data: w.data, Type: typ}})
	}
	subs := make([]*memorySub, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, pc := range changes {
		for _, sub := range subs {
			if sub.collection != pc.collection {
				continue
			}
			if !matchesFilter(pc.change.Data, sub.filter) && pc.change.Type != ChangeRemoved {
				continue
			}
			select {
			case sub.ch <- pc.change:
			case <-sub.done:
			}
		}
	}
	return nil
}

type pendingChange struct {
	collection string
	change     Change
}

// Query implements Store.
func (m *MemoryStore) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return nil, fmt.Errorf("query %s: %w", collection, ErrUnavailable)
	}

	var docs []Document
	for id, data := range m.collections[collection] {
		if matchesFilter(data, filter) {
			docs = append(docs, Document{ID: id, Data: data})
		}
	}
	return docs, nil
}

// Doc returns a single document directly, for test assertions.
func (m *MemoryStore) Doc(collection, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.collections[collection][id]
	return data, ok
}

// Len returns the number of documents in a collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// matchesFilter reports whether a document satisfies an exact-match filter.
func matchesFilter(data json.RawMessage, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

type memoryWrite struct {
	collection string
	id         string
	data       json.RawMessage
	delete     bool
}

// memoryTx buffers writes until the transaction function returns; reads see
// committed state.
type memoryTx struct {
	store  *MemoryStore
	writes []memoryWrite
}

func (tx *memoryTx) Get(collection, id string) (json.RawMessage, bool, error) {
	// Reads see this transaction's own buffered writes first.
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if w.collection == collection && w.id == id {
			if w.delete {
				return nil, false, nil
			}
			return w.data, true, nil
		}
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	data, ok := tx.store.collections[collection][id]
	return data, ok, nil
}

func (tx *memoryTx) Set(collection, id string, data json.RawMessage) error {
	tx.writes = append(tx.writes, memoryWrite{collection: collection, id: id, data: data})
	return nil
}

func (tx *memoryTx) Delete(collection, id string) error {
	tx.writes = append(tx.writes, memoryWrite{collection: collection, id: id, delete: true})
	return nil
}
