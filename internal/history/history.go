// Package history is the append-only audit sink for node actions. Identity,
// token, and registration failures are always written here before they
// propagate to the request boundary.
package history

import (
	"database/sql"
	"log"
	"time"

	"stardust/internal/nodes"
)

const timeFormat = "2006-01-02 15:04:05"

// Entry is one audit record, keyed loosely by node.
type Entry struct {
	ID         int64     `json:"id"`
	NodeID     int64     `json:"node_id"`
	Name       string    `json:"name,omitempty"`
	Action     string    `json:"action"`
	Success    bool      `json:"success"`
	Remark     string    `json:"remark,omitempty"`
	Creator    string    `json:"creator,omitempty"`
	UserHost   string    `json:"user_host,omitempty"`
	CreateTime time.Time `json:"create_time"`
}

// Write appends an audit record. node may be nil when the action failed
// before a node could be resolved. Audit failures are logged, never raised —
// the sink must not break the request path.
func Write(db *sql.DB, node *nodes.Node, action string, success bool, remark, creator, userHost string) {
	var nodeID int64
	var name string
	if node != nil {
		nodeID = node.ID
		name = node.Name
	}

	_, err := db.Exec(`
		INSERT INTO node_history (node_id, name, action, success, remark, creator, user_host, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nodeID, name, action, boolInt(success), remark, creator, userHost,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		log.Printf("⚠️  Could not write history for %q: %v", action, err)
	}
}

// ListByNode returns the most recent limit entries for a node, newest first.
func ListByNode(db *sql.DB, nodeID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, node_id, name, action, success, remark, creator, user_host, create_time
		FROM node_history WHERE node_id = ? ORDER BY id DESC LIMIT ?`,
		nodeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var name, remark, creator, userHost, createTime sql.NullString
		var success int
		if err := rows.Scan(&e.ID, &e.NodeID, &name, &e.Action, &success,
			&remark, &creator, &userHost, &createTime); err != nil {
			return nil, err
		}
		e.Name = name.String
		e.Success = success == 1
		e.Remark = remark.String
		e.Creator = creator.String
		e.UserHost = userHost.String
		if createTime.Valid {
			e.CreateTime, _ = time.Parse(timeFormat, createTime.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
