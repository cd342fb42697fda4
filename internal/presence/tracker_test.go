package presence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	stardustdb "stardust/internal/db"
	"stardust/internal/nodes"
)

// ── Test setup ──────────────────────────────────────────────────────────────

func setupTracker(t *testing.T, ttl time.Duration) (*Tracker, *sql.DB, *miniredis.Miniredis) {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := stardustdb.Migrate(conn); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewTracker(conn, rdb, ttl, "test-server"), conn, mr
}

func insertNode(t *testing.T, conn *sql.DB, code string) *nodes.Node {
	t.Helper()
	n := &nodes.Node{Code: code, Name: "node-" + code, Version: "1.2.3", Enabled: true}
	if err := nodes.Insert(conn, n); err != nil {
		t.Fatalf("insert node failed: %v", err)
	}
	return n
}

// ── Touch ───────────────────────────────────────────────────────────────────

func TestTouch_CreatesSession(t *testing.T) {
	tracker, conn, mr := setupTracker(t, 0)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	olt, err := tracker.Touch(ctx, node, "10.0.0.9", "tok-1")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if olt.SessionID != SessionID(node.ID, "10.0.0.9") {
		t.Errorf("SessionID = %q, want %q", olt.SessionID, SessionID(node.ID, "10.0.0.9"))
	}
	if olt.Token != "tok-1" {
		t.Errorf("Token = %q, want tok-1", olt.Token)
	}
	if olt.Creator != "test-server" {
		t.Errorf("Creator = %q, want test-server", olt.Creator)
	}

	if !mr.Exists(cachePrefix + olt.SessionID) {
		t.Error("session should be cached")
	}
}

func TestTouch_Idempotent(t *testing.T) {
	tracker, conn, _ := setupTracker(t, 0)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	first, err := tracker.Touch(ctx, node, "h", "tok-1")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	second, err := tracker.Touch(ctx, node, "h", "tok-2")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	// Same session instance: creation metadata survives, the token rotates.
	if !second.CreateTime.Equal(first.CreateTime) {
		t.Errorf("CreateTime changed across touches: %v != %v", second.CreateTime, first.CreateTime)
	}
	if second.Token != "tok-2" {
		t.Errorf("Token = %q, want refreshed tok-2", second.Token)
	}

	sessions, err := listOnline(tracker.db)
	if err != nil {
		t.Fatalf("listOnline failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("session count = %d, want 1", len(sessions))
	}
}

func TestTouch_DistinctHostsDistinctSessions(t *testing.T) {
	tracker, conn, _ := setupTracker(t, 0)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	tracker.Touch(ctx, node, "h1", "t")
	tracker.Touch(ctx, node, "h2", "t")

	sessions, _ := listOnline(tracker.db)
	if len(sessions) != 2 {
		t.Errorf("session count = %d, want 2 (one per host)", len(sessions))
	}
}

// ── Get ─────────────────────────────────────────────────────────────────────

func TestGet_FallsBackToStore(t *testing.T) {
	tracker, conn, mr := setupTracker(t, 0)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	olt, err := tracker.Touch(ctx, node, "h", "tok")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	// Drop the cache entry; the durable record must still resolve.
	mr.Del(cachePrefix + olt.SessionID)

	got, err := tracker.Get(ctx, node.ID, "h")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session from store fallback, got nil")
	}
	if got.Token != "tok" {
		t.Errorf("Token = %q, want tok", got.Token)
	}
}

func TestGet_Unknown(t *testing.T) {
	tracker, _, _ := setupTracker(t, 0)
	got, err := tracker.Get(context.Background(), 42, "nowhere")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown session, got %+v", got)
	}
}

// ── Logout ──────────────────────────────────────────────────────────────────

func TestLogout(t *testing.T) {
	tracker, conn, mr := setupTracker(t, 0)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	var gotReason string
	tracker.SetOfflineFunc(func(n *nodes.Node, reason string) { gotReason = reason })

	olt, _ := tracker.Touch(ctx, node, "h", "tok")

	ended, err := tracker.Logout(ctx, node, "h", "shutdown")
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if ended == nil {
		t.Fatal("expected the ended session back")
	}
	if gotReason != "shutdown" {
		t.Errorf("offline callback reason = %q, want shutdown", gotReason)
	}
	if mr.Exists(cachePrefix + olt.SessionID) {
		t.Error("cache entry should be gone after logout")
	}

	sessions, _ := listOnline(tracker.db)
	if len(sessions) != 0 {
		t.Errorf("session count after logout = %d, want 0", len(sessions))
	}
}

func TestLogout_MissingSessionIsNoop(t *testing.T) {
	tracker, conn, _ := setupTracker(t, 0)
	node := insertNode(t, conn, "c1")

	fired := false
	tracker.SetOfflineFunc(func(*nodes.Node, string) { fired = true })

	olt, err := tracker.Logout(context.Background(), node, "never-seen", "x")
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if olt != nil {
		t.Error("expected nil session for unknown key")
	}
	if fired {
		t.Error("offline callback must not fire for a missing session")
	}
}

// ── Sweep ───────────────────────────────────────────────────────────────────

func TestSweep_ReapsExpiredSessions(t *testing.T) {
	tracker, conn, mr := setupTracker(t, time.Second)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	var offline *nodes.Node
	tracker.SetOfflineFunc(func(n *nodes.Node, _ string) { offline = n })

	olt, _ := tracker.Touch(ctx, node, "h", "tok")

	// Run the clock past the TTL: the cache entry lapses and the stored
	// update time falls out of the window.
	mr.FastForward(2 * time.Second)
	_, err := conn.Exec(`UPDATE node_online SET update_time = ? WHERE session_id = ?`,
		time.Now().UTC().Add(-time.Minute).Format("2006-01-02 15:04:05"), olt.SessionID)
	if err != nil {
		t.Fatalf("backdating session failed: %v", err)
	}

	if n := tracker.Sweep(ctx); n != 1 {
		t.Errorf("Sweep reaped %d, want 1", n)
	}
	if offline == nil || offline.ID != node.ID {
		t.Error("offline callback should fire for the reaped node")
	}

	sessions, _ := listOnline(tracker.db)
	if len(sessions) != 0 {
		t.Errorf("session count after sweep = %d, want 0", len(sessions))
	}
}

func TestSweep_KeepsLiveSessions(t *testing.T) {
	tracker, conn, _ := setupTracker(t, time.Hour)
	ctx := context.Background()
	node := insertNode(t, conn, "c1")

	tracker.Touch(ctx, node, "h", "tok")

	if n := tracker.Sweep(ctx); n != 0 {
		t.Errorf("Sweep reaped %d live sessions, want 0", n)
	}
}
