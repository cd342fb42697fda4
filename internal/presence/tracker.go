// Package presence maintains the online-session record for each live
// (node, client-host) pair. The Redis cache is the authoritative fast path —
// an entry there means the node is online until the TTL lapses — and the
// sqlite table is the durable fallback that survives restarts.
package presence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stardust/internal/nodes"
)

const cachePrefix = "NodeOnline:"

// DefaultTTL is the presence cache lifetime. It must exceed the expected
// heartbeat period or sessions would flap between beats.
const DefaultTTL = 600 * time.Second

// Online is one live connection instance, keyed by "{nodeID}@{host}".
type Online struct {
	SessionID   string    `json:"session_id"`
	NodeID      int64     `json:"node_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Version     string    `json:"version,omitempty"`
	CompileTime time.Time `json:"compile_time,omitempty"`
	Memory      int64     `json:"memory,omitempty"`
	Macs        string    `json:"macs,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Token       string    `json:"token,omitempty"`
	Creator     string    `json:"creator,omitempty"`
	CreateIP    string    `json:"create_ip,omitempty"`
	CreateTime  time.Time `json:"create_time"`
	UpdateTime  time.Time `json:"update_time"`
}

// OfflineFunc is the callback contract for external offline detection.
type OfflineFunc func(node *nodes.Node, reason string)

// Tracker is the cache-first presence store.
type Tracker struct {
	db      *sql.DB
	rdb     *redis.Client
	ttl     time.Duration
	creator string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // serialises check-then-create per session key

	offline OfflineFunc
}

// NewTracker creates a presence tracker. creator identifies this server
// instance on the sessions it creates.
func NewTracker(db *sql.DB, rdb *redis.Client, ttl time.Duration, creator string) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		db:      db,
		rdb:     rdb,
		ttl:     ttl,
		creator: creator,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetOfflineFunc registers the callback fired when a session ends.
func (t *Tracker) SetOfflineFunc(fn OfflineFunc) { t.offline = fn }

// SessionID builds the presence key for a node seen from a client host.
func SessionID(nodeID int64, host string) string {
	return fmt.Sprintf("%d@%s", nodeID, host)
}

// Get looks up the session for (node, host): cache first, then the
// persistent store. It never creates anything. Cache trouble degrades to a
// database read, never to an error.
func (t *Tracker) Get(ctx context.Context, nodeID int64, host string) (*Online, error) {
	sid := SessionID(nodeID, host)

	if olt := t.cacheGet(ctx, sid); olt != nil {
		return olt, nil
	}
	return findOnline(t.db, sid)
}

// Touch refreshes the session for (node, host), creating it when absent.
// The check-then-create sequence is serialised per session key so concurrent
// heartbeats never produce duplicate sessions.
func (t *Tracker) Touch(ctx context.Context, node *nodes.Node, host, tok string) (*Online, error) {
	sid := SessionID(node.ID, host)

	lock := t.keyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	olt, err := t.Get(ctx, node.ID, host)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if olt == nil {
		olt = &Online{
			SessionID:  sid,
			NodeID:     node.ID,
			CreateIP:   host,
			Creator:    t.creator,
			CreateTime: now,
		}
	}

	olt.Name = node.Name
	olt.Category = node.Category
	olt.Version = node.Version
	olt.CompileTime = node.CompileTime
	olt.Memory = node.Memory
	olt.Macs = node.Macs
	olt.IP = node.IP
	olt.Token = tok
	olt.UpdateTime = now

	if err := upsertOnline(t.db, olt); err != nil {
		return nil, err
	}
	t.cacheSet(ctx, olt)
	return olt, nil
}

// Logout ends the session for (node, host): the cache entry and persistent
// record are removed, the elapsed duration is added to the node's cumulative
// online time, and the offline callback fires. A missing session is a no-op.
func (t *Tracker) Logout(ctx context.Context, node *nodes.Node, host, reason string) (*Online, error) {
	sid := SessionID(node.ID, host)

	lock := t.keyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	olt, err := t.Get(ctx, node.ID, host)
	if err != nil {
		return nil, err
	}
	if olt == nil {
		return nil, nil
	}

	if err := deleteOnline(t.db, sid); err != nil {
		return nil, err
	}
	t.cacheDel(ctx, sid)

	if !olt.CreateTime.IsZero() {
		if elapsed := int64(time.Since(olt.CreateTime).Seconds()); elapsed > 0 {
			if err := nodes.AddOnlineTime(t.db, node.ID, elapsed); err != nil {
				log.Printf("⚠️  Could not accumulate online time for node %d: %v", node.ID, err)
			}
		}
	}

	if t.offline != nil {
		t.offline(node, reason)
	}
	return olt, nil
}

// Sweep reaps sessions whose cache entry has expired and whose last update is
// older than the TTL — nodes that went silent without logging out. Returns
// the number of sessions reaped.
func (t *Tracker) Sweep(ctx context.Context) int {
	sessions, err := listOnline(t.db)
	if err != nil {
		log.Printf("⚠️  Presence sweep failed: %v", err)
		return 0
	}

	reaped := 0
	for i := range sessions {
		olt := &sessions[i]
		if time.Since(olt.UpdateTime) < t.ttl {
			continue
		}
		if t.cacheGet(ctx, olt.SessionID) != nil {
			continue
		}

		if err := deleteOnline(t.db, olt.SessionID); err != nil {
			continue
		}
		if elapsed := int64(olt.UpdateTime.Sub(olt.CreateTime).Seconds()); elapsed > 0 {
			nodes.AddOnlineTime(t.db, olt.NodeID, elapsed)
		}
		if t.offline != nil {
			if node, _ := nodes.FindByID(t.db, olt.NodeID); node != nil {
				t.offline(node, "heartbeat lost")
			}
		}
		reaped++
	}
	return reaped
}

func (t *Tracker) keyLock(sid string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[sid]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[sid] = lock
	}
	return lock
}

// ─── Cache access ─────────────────────────────────────────────────────────────

func (t *Tracker) cacheGet(ctx context.Context, sid string) *Online {
	val, err := t.rdb.Get(ctx, cachePrefix+sid).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		log.Printf("⚠️  Presence cache get %s: %v", sid, err)
		return nil
	}
	var olt Online
	if err := json.Unmarshal(val, &olt); err != nil {
		return nil
	}
	return &olt
}

func (t *Tracker) cacheSet(ctx context.Context, olt *Online) {
	data, err := json.Marshal(olt)
	if err != nil {
		return
	}
	if err := t.rdb.Set(ctx, cachePrefix+olt.SessionID, data, t.ttl).Err(); err != nil {
		log.Printf("⚠️  Presence cache set %s: %v", olt.SessionID, err)
	}
}

func (t *Tracker) cacheDel(ctx context.Context, sid string) {
	if err := t.rdb.Del(ctx, cachePrefix+sid).Err(); err != nil {
		log.Printf("⚠️  Presence cache del %s: %v", sid, err)
	}
}
