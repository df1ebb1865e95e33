// Package realtime implements the Realtime Notifier and Connection
// Registry: per-client WebSocket connections indexed by
// the canonical scope keys they're subscribed to, fanned out whenever
// a new commit touches a matching scope, generalized from a single
// global feed to per-scope-key fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftbase/syncd/internal/commitlog"
)

// Connection is one client's live push channel.
type Connection struct {
	ID          string
	ClientID    string
	PartitionID string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(id, clientID, partitionID string, conn *websocket.Conn) *Connection {
	return &Connection{
		ID:          id,
		ClientID:    clientID,
		PartitionID: partitionID,
		conn:        conn,
		send:        make(chan []byte, 64),
		done:        make(chan struct{}),
	}
}

// Close shuts down the connection's write goroutine and underlying socket.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// heartbeatMessage is the framed JSON sent on every heartbeat tick.
var heartbeatMessage, _ = json.Marshal(CommitEvent{Event: "heartbeat"})

// writeLoop drains the send channel to the socket and emits a
// heartbeat event on every tick. One writer goroutine per connection;
// reads happen on a separate goroutine owned by the HTTP handler.
func (c *Connection) writeLoop(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.TextMessage, heartbeatMessage); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Push enqueues a message for delivery; it never blocks the caller —
// a slow client's buffer filling up drops the connection rather than
// stalling the commit path that triggered the fan-out.
func (c *Connection) Push(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.Close()
	}
}

// CommitEvent is the wire envelope pushed to subscribers. It never
// carries row data — only enough for a client to know it should pull
// — so a nudge stays small regardless of how large the commit that
// triggered it was.
type CommitEvent struct {
	Event string      `json:"event"`
	Data  *CommitData `json:"data,omitempty"`
}

// CommitData is the payload of a "sync" CommitEvent.
type CommitData struct {
	Cursor int64 `json:"cursor"`
}

// Broadcaster fans a commit event out across server instances in a
// horizontally-scaled deployment, so a commit appended on instance A
// reaches clients connected to instance B. scopeKeys carries the
// routing information the wire-visible CommitEvent deliberately
// omits, so a receiving instance can still fan out correctly.
// Neither method carries an instance id: the Registry fans out every
// event its Subscribe callback delivers, including one this instance
// published itself.
type Broadcaster interface {
	Publish(ctx context.Context, partitionID string, scopeKeys []string, event CommitEvent) error
	Subscribe(ctx context.Context, onEvent func(partitionID string, scopeKeys []string, event CommitEvent)) error
}

// Registry tracks live connections and their scope-key subscriptions.
// All maps are guarded by one mutex.
type Registry struct {
	mu                    sync.RWMutex
	connectionsByClient   map[string]*Connection
	scopeKeysByClient     map[string]map[string]struct{}
	connectionsByScopeKey map[string]map[string]*Connection // scopeKey -> connID -> conn

	instanceID  string
	broadcaster Broadcaster
	heartbeat   time.Duration
}

// NewRegistry builds an empty connection Registry. instanceID names
// this server process; the Registry stores it but does not filter
// broadcaster events by it. broadcaster may be nil for single-instance
// deployments.
func NewRegistry(instanceID string, broadcaster Broadcaster, heartbeat time.Duration) *Registry {
	r := &Registry{
		connectionsByClient:   make(map[string]*Connection),
		scopeKeysByClient:     make(map[string]map[string]struct{}),
		connectionsByScopeKey: make(map[string]map[string]*Connection),
		instanceID:            instanceID,
		broadcaster:           broadcaster,
		heartbeat:             heartbeat,
	}
	return r
}

// Start subscribes to the cross-instance broadcaster, if configured.
func (r *Registry) Start(ctx context.Context) error {
	if r.broadcaster == nil {
		return nil
	}
	return r.broadcaster.Subscribe(ctx, func(partitionID string, scopeKeys []string, event CommitEvent) {
		r.fanOut(partitionID, scopeKeys, event)
	})
}

// Register wraps a raw WebSocket connection and starts its write loop.
func (r *Registry) Register(clientID, partitionID string, conn *websocket.Conn) *Connection {
	c := newConnection(uuid.NewString(), clientID, partitionID, conn)
	go c.writeLoop(r.heartbeat)

	r.mu.Lock()
	if prior, ok := r.connectionsByClient[clientID]; ok {
		r.removeLocked(prior)
	}
	r.connectionsByClient[clientID] = c
	r.mu.Unlock()

	return c
}

// UpdateClientScopeKeys replaces the set of canonical scope keys a
// client's connection is subscribed to, e.g. after a pull call
// resolves a new subscription's scopes.
func (r *Registry) UpdateClientScopeKeys(clientID string, scopeKeys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connectionsByClient[clientID]
	if !ok {
		return
	}

	if old, ok := r.scopeKeysByClient[clientID]; ok {
		for key := range old {
			if set, ok := r.connectionsByScopeKey[key]; ok {
				delete(set, conn.ID)
				if len(set) == 0 {
					delete(r.connectionsByScopeKey, key)
				}
			}
		}
	}

	newSet := make(map[string]struct{}, len(scopeKeys))
	for _, key := range scopeKeys {
		newSet[key] = struct{}{}
		if r.connectionsByScopeKey[key] == nil {
			r.connectionsByScopeKey[key] = make(map[string]*Connection)
		}
		r.connectionsByScopeKey[key][conn.ID] = conn
	}
	r.scopeKeysByClient[clientID] = newSet
}

// CloseClientConnections closes and deregisters a client's connection,
// e.g. on auth revocation or explicit unsubscribe.
func (r *Registry) CloseClientConnections(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connectionsByClient[clientID]
	if !ok {
		return
	}
	r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn *Connection) {
	delete(r.connectionsByClient, conn.ClientID)
	for key := range r.scopeKeysByClient[conn.ClientID] {
		if set, ok := r.connectionsByScopeKey[key]; ok {
			delete(set, conn.ID)
			if len(set) == 0 {
				delete(r.connectionsByScopeKey, key)
			}
		}
	}
	delete(r.scopeKeysByClient, conn.ClientID)
	conn.Close()
}

// CloseAll closes every registered connection, used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.connectionsByClient {
		conn.Close()
	}
	r.connectionsByClient = make(map[string]*Connection)
	r.scopeKeysByClient = make(map[string]map[string]struct{})
	r.connectionsByScopeKey = make(map[string]map[string]*Connection)
}

// NotifyCommit implements push.Notifier: it fans a commit out to every
// connection subscribed to any scope key the commit's changes touch,
// and publishes it to the cross-instance broadcaster if configured.
// The commit's row data never reaches the wire — only its cursor
// position, which is all a client needs to know to pull.
func (r *Registry) NotifyCommit(partitionID string, commit commitlog.Commit) {
	scopeKeys := scopeKeysOf(commit.Changes)
	event := CommitEvent{Event: "sync", Data: &CommitData{Cursor: commit.CommitSeq}}
	r.fanOut(partitionID, scopeKeys, event)

	if r.broadcaster != nil {
		go func() {
			_ = r.broadcaster.Publish(context.Background(), partitionID, scopeKeys, event)
		}()
	}
}

// scopeKeysOf collects the distinct scope keys a set of changes touch,
// used internally to route a fan-out; never exposed on the wire.
func scopeKeysOf(changes []commitlog.Change) []string {
	set := map[string]struct{}{}
	for _, ch := range changes {
		for _, v := range ch.Scopes {
			set[v] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (r *Registry) fanOut(partitionID string, scopeKeys []string, event CommitEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := map[string]*Connection{}
	for _, key := range scopeKeys {
		for id, conn := range r.connectionsByScopeKey[key] {
			if conn.PartitionID == partitionID {
				targets[id] = conn
			}
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Push(payload)
	}
}

// ForEachConnectionInScopeKeys invokes fn for every connection
// currently subscribed to any of the given scope keys within a
// partition. No caller in this module uses it; the external-data
// notification hook goes through NotifyCommit instead.
func (r *Registry) ForEachConnectionInScopeKeys(partitionID string, scopeKeys []string, fn func(*Connection)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, key := range scopeKeys {
		for id, conn := range r.connectionsByScopeKey[key] {
			if conn.PartitionID != partitionID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fn(conn)
		}
	}
}
