package commands

import (
	"database/sql"
	"log"
	"sync"
	"time"
)

const (
	// snapshotSize bounds the pending-command pre-filter to the most recent
	// commands; snapshotRefresh bounds how stale the pre-filter may be, and
	// with it the worst-case delivery delay for heartbeat-polled commands.
	snapshotSize    = 1000
	snapshotRefresh = time.Minute

	// acquireBatch caps how many commands one heartbeat can drain.
	acquireBatch = 100
)

// Dispatcher hands pending commands to heartbeating nodes. A periodically
// refreshed snapshot of node ids with pending work serves as a cheap
// membership pre-filter, so the common case — a node with nothing queued —
// costs no query. The snapshot is replaced wholesale under the write lock;
// readers only ever see a complete snapshot.
type Dispatcher struct {
	db      *sql.DB
	size    int
	refresh time.Duration

	mu          sync.RWMutex
	snapshot    map[int64]struct{}
	nextRefresh time.Time
}

// NewDispatcher creates a dispatcher with the reference policy limits.
func NewDispatcher(db *sql.DB) *Dispatcher {
	return &Dispatcher{db: db, size: snapshotSize, refresh: snapshotRefresh}
}

// Acquire returns up to the batch limit of pending commands for the node,
// marking each one finished as it is returned (at-most-once delivery). A
// node absent from the snapshot short-circuits to an empty result; a command
// created after the last refresh stays invisible until the next one.
func (d *Dispatcher) Acquire(nodeID int64) ([]Model, error) {
	snap := d.currentSnapshot()
	if snap != nil {
		if _, ok := snap[nodeID]; !ok {
			return nil, nil
		}
	}
	return acquireForNode(d.db, nodeID, acquireBatch)
}

// Invalidate forces the snapshot to rebuild on the next Acquire.
func (d *Dispatcher) Invalidate() {
	d.mu.Lock()
	d.nextRefresh = time.Time{}
	d.mu.Unlock()
}

// currentSnapshot returns the pre-filter set, rebuilding it when stale.
// A failed rebuild keeps serving the previous snapshot — a transient store
// error must never fail a heartbeat — and returns nil when there has never
// been a successful build, which disables the pre-filter for that call.
func (d *Dispatcher) currentSnapshot() map[int64]struct{} {
	d.mu.RLock()
	if time.Now().Before(d.nextRefresh) {
		snap := d.snapshot
		d.mu.RUnlock()
		return snap
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Now().Before(d.nextRefresh) {
		return d.snapshot
	}

	ids, err := pendingNodeIDs(d.db, d.size)
	if err != nil {
		log.Printf("⚠️  Command snapshot refresh failed: %v", err)
		return d.snapshot
	}
	d.snapshot = ids
	d.nextRefresh = time.Now().Add(d.refresh)
	return d.snapshot
}
