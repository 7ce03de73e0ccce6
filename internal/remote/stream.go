package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// StreamConfig holds configuration for the websocket-backed store client.
type StreamConfig struct {
	// BaseURL is the remote store endpoint, e.g. "https://sync.example.com".
	BaseURL string

	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken string

	// RequestTimeout bounds individual HTTP requests (default: 15s).
	RequestTimeout time.Duration

	// Logger for stream activity.
	Logger *log.Logger
}

// StreamStore talks to the remote document store over HTTP, with realtime
// change feeds delivered over a websocket per subscription.
//
// Wire layout:
//
//	GET  {base}/collections/{collection}?field=value   query
//	POST {base}/transactions                           atomic write batch
//	WS   {base}/watch                                  change feed
//
// The watch socket receives a JSON subscribe frame
// {"collection": ..., "filter": {...}} and then pushes Change frames until
// closed.
type StreamStore struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *log.Logger
}

// NewStreamStore creates a client for the remote store.
func NewStreamStore(cfg StreamConfig) (*StreamStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL cannot be empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &StreamStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  cfg.Logger,
	}, nil
}

// subscribeFrame is the first frame sent on a watch socket.
type subscribeFrame struct {
	Collection string `json:"collection"`
	Filter     Filter `json:"filter,omitempty"`
}

// Subscribe implements Store. Changes are pushed on the returned channel in
// server order until the socket closes or the subscription is cancelled.
func (s *StreamStore) Subscribe(ctx context.Context, collection string, filter Filter) (<-chan Change, context.CancelFunc, error) {
	wsURL, err := s.watchURL()
	if err != nil {
		return nil, nil, err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	opts := &websocket.DialOptions{}
	if s.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + s.token}}
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial change stream: %w", ErrUnavailable)
	}

	frame, err := json.Marshal(subscribeFrame{Collection: collection, Filter: filter})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, nil, fmt.Errorf("failed to encode subscribe frame: %w", err)
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
	err = conn.Write(writeCtx, websocket.MessageText, frame)
	writeCancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", collection, ErrUnavailable)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Change, 64)

	go s.readLoop(streamCtx, conn, collection, ch)
	go func() {
		<-streamCtx.Done()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}()

	return ch, cancel, nil
}

// readLoop decodes change frames until the socket closes.
func (s *StreamStore) readLoop(ctx context.Context, conn *websocket.Conn, collection string, ch chan<- Change) {
	defer close(ch)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Printf("Change stream for %s closed: %v", collection, err)
			}
			return
		}

		var change Change
		if err := json.Unmarshal(data, &change); err != nil {
			s.logger.Printf("Warning: dropping malformed change frame: %v", err)
			continue
		}

		select {
		case ch <- change:
		case <-ctx.Done():
			return
		}
	}
}

// txFrame is the body of a transaction POST: an ordered write batch applied
// atomically by the server.
type txFrame struct {
	Writes []txWrite `json:"writes"`
}

type txWrite struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Delete     bool            `json:"delete,omitempty"`
}

// RunTransaction implements Store. Reads go to the server individually;
// writes are buffered and committed as one atomic batch when fn returns.
func (s *StreamStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx := &streamTx{store: s, ctx: ctx}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	body, err := json.Marshal(txFrame{Writes: tx.writes})
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build transaction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("transaction failed: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("transaction failed with status %d: %w", resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("transaction rejected with status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Query implements Store.
func (s *StreamStore) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	u, err := url.Parse(s.baseURL + "/collections/" + url.PathEscape(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to build query URL: %w", err)
	}
	q := u.Query()
	for k, v := range filter {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build query request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s failed: %w", collection, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("query %s failed with status %d: %w", collection, resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s rejected with status %d", collection, resp.StatusCode)
	}

	var docs []Document
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	return docs, nil
}

// authorize attaches the bearer token when configured.
func (s *StreamStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

// watchURL converts the base URL to its websocket equivalent.
func (s *StreamStore) watchURL() (string, error) {
	u, err := url.Parse(s.baseURL + "/watch")
	if err != nil {
		return "", fmt.Errorf("failed to build watch URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// streamTx buffers writes for one transaction; reads hit the server directly.
type streamTx struct {
	store  *StreamStore
	ctx    context.Context
	writes []txWrite
}

func (tx *streamTx) Get(collection, id string) (json.RawMessage, bool, error) {
	u := tx.store.baseURL + "/collections/" + url.PathEscape(collection) + "/" + url.PathEscape(id)

	req, err := http.NewRequestWithContext(tx.ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build get request: %w", err)
	}
	tx.store.authorize(req)

	resp, err := tx.store.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s failed: %w", collection, id, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("get %s/%s failed with status %d: %w", collection, id, resp.StatusCode, ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read document: %w", err)
	}
	return data, true, nil
}

func (tx *streamTx) Set(collection, id string, data json.RawMessage) error {
	tx.writes = append(tx.writes, txWrite{Collection: collection, ID: id, Data: data})
	return nil
}

func (tx *streamTx) Delete(collection, id string) error {
	tx.writes = append(tx.writes, txWrite{Collection: collection, ID: id, Delete: true})
	return nil
}
