package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"stardust/internal/nodes"
)

func setupHub(t *testing.T, resolve ResolveFunc) (*Hub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewHub(rdb, resolve), mr
}

// ── Publish ─────────────────────────────────────────────────────────────────

func TestPublish_FIFO(t *testing.T) {
	hub, mr := setupHub(t, nil)
	ctx := context.Background()

	hub.Publish(ctx, "n1", "first")
	hub.Publish(ctx, "n1", "second")
	hub.Publish(ctx, "n1", []byte("third"))

	if got := hub.QueueLen(ctx, "n1"); got != 3 {
		t.Fatalf("QueueLen = %d, want 3", got)
	}

	for i, want := range []string{"first", "second", "third"} {
		got, err := mr.Lpop(queuePrefix + "n1")
		if err != nil {
			t.Fatalf("pop %d failed: %v", i, err)
		}
		if got != want {
			t.Errorf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestPublish_MarshalsStructs(t *testing.T) {
	hub, mr := setupHub(t, nil)

	type msg struct {
		Command string `json:"command"`
	}
	if err := hub.Publish(context.Background(), "n1", msg{Command: "restart"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	raw, _ := mr.Lpop(queuePrefix + "n1")
	var got msg
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("queued payload is not JSON: %v", err)
	}
	if got.Command != "restart" {
		t.Errorf("Command = %q, want restart", got.Command)
	}
}

func TestPublish_QueuesIsolatedPerNode(t *testing.T) {
	hub, _ := setupHub(t, nil)
	ctx := context.Background()

	hub.Publish(ctx, "n1", "a")
	hub.Publish(ctx, "n2", "b")

	if got := hub.QueueLen(ctx, "n1"); got != 1 {
		t.Errorf("n1 QueueLen = %d, want 1", got)
	}
	if got := hub.QueueLen(ctx, "n2"); got != 1 {
		t.Errorf("n2 QueueLen = %d, want 1", got)
	}
}

// ── HandleNotify ────────────────────────────────────────────────────────────

func TestHandleNotify_RejectsBadToken(t *testing.T) {
	hub, _ := setupHub(t, func(string) (*nodes.Node, error) {
		return nil, nil // unknown token
	})

	req := httptest.NewRequest(http.MethodGet, "/node/notify", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()

	hub.HandleNotify(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if hub.ActiveConnections() != 0 {
		t.Error("no connection should be registered")
	}
}

func TestHandleNotify_DeliversQueuedMessages(t *testing.T) {
	node := &nodes.Node{ID: 1, Code: "n1", Name: "node-1"}
	hub, _ := setupHub(t, func(tok string) (*nodes.Node, error) {
		if tok != "good-token" {
			return nil, nil
		}
		return node, nil
	})

	// Message published before the node connects must survive and arrive.
	if err := hub.Publish(context.Background(), "n1", "queued-early"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleNotify))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer good-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != "queued-early" {
		t.Errorf("message = %q, want queued-early", msg)
	}

	// And one published while connected.
	if err := hub.Publish(context.Background(), "n1", "live"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != "live" {
		t.Errorf("message = %q, want live", msg)
	}
}
