// Package remote defines the client contract for the authoritative document
// store and provides two implementations: a websocket/HTTP-backed client and
// an in-memory store used by tests and local development.
//
// The sync engine only depends on the Store interface, so the transport can
// be swapped without touching sync logic.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

// Collections watched by the sync engine.
const (
	CollectionCompletions = "completions"
	CollectionStreaks     = "streaks"
	CollectionMilestones  = "milestones"
)

// ErrUnavailable indicates the remote store could not be reached. The engine
// treats it as a transient network failure and fails toward offline mode.
var ErrUnavailable = errors.New("remote store unavailable")

// IsUnavailable reports whether an error looks network-related.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ChangeType describes what happened to a document in a change stream.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one server-pushed document change. Changes for the same document
// arrive in server-side write order; the client applies them in the order
// received.
type Change struct {
	DocID string          `json:"doc_id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Type  ChangeType      `json:"change_type"`
}

// Document is one stored document returned by Query.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Filter selects documents by exact field match, e.g. {"user_id": "u1"}.
type Filter map[string]string

// Tx is the handle passed to a transaction function. All writes issued
// through a Tx commit atomically: the transaction fails entirely or succeeds
// entirely.
type Tx interface {
	// Get reads a document inside the transaction.
	Get(collection, id string) (json.RawMessage, bool, error)

	// Set creates or replaces a document.
	Set(collection, id string, data json.RawMessage) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(collection, id string) error
}

// Store is the remote document store as seen by the sync engine.
type Store interface {
	// Subscribe opens a change stream for a collection, filtered server-side.
	// Changes are pushed on the returned channel until the context is
	// cancelled or the returned cancel func is called, after which the
	// channel is closed. The cancel func must be called when a user session
	// ends to avoid leaking listeners.
	Subscribe(ctx context.Context, collection string, filter Filter) (<-chan Change, context.CancelFunc, error)

	// RunTransaction executes fn with atomic read-modify-write semantics.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Query returns all documents in a collection matching the filter.
	// Used for full resyncs and as a cheap reachability probe.
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
}
