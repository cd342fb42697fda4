// Package push delivers server-initiated messages to agents over long-lived
// WebSocket connections, one per node, backed by a per-node Redis list so a
// message published while the node is mid-reconnect is not lost.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"stardust/internal/nodes"
)

const (
	queuePrefix = "cmd:"

	// popWait bounds each blocking queue pop so the loop stays responsive
	// to cancellation.
	popWait = 10 * time.Second
)

// ResolveFunc turns a presented token into a node, or errors when the token
// is invalid or the node unknown.
type ResolveFunc func(token string) (*nodes.Node, error)

// Hub manages active push connections.
type Hub struct {
	rdb      *redis.Client
	resolve  ResolveFunc
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn // node code → active connection
}

// wsConn wraps a WebSocket connection with its metadata.
type wsConn struct {
	conn *websocket.Conn
	code string
	done chan struct{}
	once sync.Once
}

func (wc *wsConn) close() {
	wc.once.Do(func() { close(wc.done) })
}

// NewHub creates a hub for managing node push connections.
func NewHub(rdb *redis.Client, resolve ResolveFunc) *Hub {
	return &Hub{
		rdb:     rdb,
		resolve: resolve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// Publish appends a message to the node's outbound queue. Delivery within
// one node's queue is FIFO; nothing is guaranteed across nodes. Strings and
// byte slices go on the wire verbatim, anything else as JSON.
func (h *Hub) Publish(ctx context.Context, nodeCode string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return err
		}
	}
	return h.rdb.RPush(ctx, queuePrefix+nodeCode, data).Err()
}

// QueueLen reports how many messages are waiting for a node.
func (h *Hub) QueueLen(ctx context.Context, nodeCode string) int64 {
	n, _ := h.rdb.LLen(ctx, queuePrefix+nodeCode).Result()
	return n
}

// HandleNotify upgrades the request to a WebSocket and drains the node's
// queue to it. The token comes from the Authorization header and is decoded
// before the upgrade; an invalid token is rejected with 401.
// GET /node/notify
func (h *Hub) HandleNotify(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	node, err := h.resolve(tok)
	if err != nil || node == nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for node %s: %v", node.Code, err)
		return
	}

	wc := &wsConn{
		conn: conn,
		code: node.Code,
		done: make(chan struct{}),
	}

	// At most one loop per node; a reconnect supersedes the old connection.
	h.mu.Lock()
	if prev, ok := h.conns[node.Code]; ok {
		prev.close()
		prev.conn.Close()
	}
	h.conns[node.Code] = wc
	h.mu.Unlock()

	log.Printf("[WS] Node %s (%s) connected", node.Code, node.Name)

	h.writeLoop(r.Context(), wc)

	h.mu.Lock()
	if h.conns[node.Code] == wc {
		delete(h.conns, node.Code)
	}
	h.mu.Unlock()

	log.Printf("[WS] Node %s disconnected", node.Code)
}

// writeLoop pops messages from the node's queue with a bounded wait and
// forwards them verbatim. It ends on cancellation or connection closure,
// always finishing with a close handshake; any unexpected fault is
// connection-fatal and closed with an error status rather than retried.
func (h *Hub) writeLoop(ctx context.Context, wc *wsConn) {
	defer wc.conn.Close()

	// The read side only exists to notice the peer closing.
	go func() {
		for {
			if _, _, err := wc.conn.ReadMessage(); err != nil {
				wc.close()
				return
			}
		}
	}()

	key := queuePrefix + wc.code
	for {
		select {
		case <-ctx.Done():
			h.closeNormal(wc)
			return
		case <-wc.done:
			h.closeNormal(wc)
			return
		default:
		}

		vals, err := h.rdb.BLPop(ctx, popWait, key).Result()
		if err == redis.Nil {
			continue // wait timed out, loop to re-check cancellation
		}
		if err != nil {
			if ctx.Err() != nil {
				h.closeNormal(wc)
				return
			}
			log.Printf("[WS] Queue pop failed for node %s: %v", wc.code, err)
			h.closeError(wc, "queue failure")
			return
		}

		// BLPop returns [key, value]
		if err := wc.conn.WriteMessage(websocket.TextMessage, []byte(vals[1])); err != nil {
			wc.close()
			return
		}
	}
}

func (h *Hub) closeNormal(wc *wsConn) {
	wc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finish"),
		time.Now().Add(5*time.Second),
	)
}

func (h *Hub) closeError(wc *wsConn, reason string) {
	wc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason),
		time.Now().Add(5*time.Second),
	)
}

// ActiveConnections returns the number of open push connections.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll terminates every open push connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for code, wc := range h.conns {
		wc.close()
		wc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second),
		)
		wc.conn.Close()
		delete(h.conns, code)
	}
}
