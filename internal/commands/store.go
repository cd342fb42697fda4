package commands

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// Command is a unit of work targeted at one node.
type Command struct {
	ID         int64     `json:"id"`
	NodeID     int64     `json:"node_id"`
	Command    string    `json:"command"`
	Argument   string    `json:"argument,omitempty"`
	Expire     time.Time `json:"expire,omitempty"`
	Finished   bool      `json:"finished"`
	Result     string    `json:"result,omitempty"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Model is the compact wire form delivered to agents.
type Model struct {
	ID       int64     `json:"id"`
	Command  string    `json:"command"`
	Argument string    `json:"argument,omitempty"`
	Expire   time.Time `json:"expire,omitempty"`
}

// Insert stores a new pending command and fills in its id.
func Insert(db *sql.DB, cmd *Command) error {
	now := time.Now().UTC()
	cmd.CreateTime = now
	cmd.UpdateTime = now

	result, err := db.Exec(`
		INSERT INTO node_command (node_id, command, argument, expire, finished, create_time, update_time)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		cmd.NodeID, cmd.Command, cmd.Argument, nullTime(cmd.Expire),
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	cmd.ID, err = result.LastInsertId()
	return err
}

// FindByID retrieves a command by primary key. Returns nil if absent.
func FindByID(db *sql.DB, id int64) (*Command, error) {
	var cmd Command
	var argument, result sql.NullString
	var expire, createTime, updateTime sql.NullString
	var finished int

	err := db.QueryRow(`
		SELECT id, node_id, command, argument, expire, finished, result, create_time, update_time
		FROM node_command WHERE id = ?`, id).
		Scan(&cmd.ID, &cmd.NodeID, &cmd.Command, &argument, &expire,
			&finished, &result, &createTime, &updateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cmd.Argument = argument.String
	cmd.Result = result.String
	cmd.Finished = finished == 1
	cmd.Expire = parseTime(expire)
	cmd.CreateTime = parseTime(createTime)
	cmd.UpdateTime = parseTime(updateTime)
	return &cmd, nil
}

// SaveResult attaches an execution result to a command.
func SaveResult(db *sql.DB, id int64, result string) error {
	_, err := db.Exec(
		"UPDATE node_command SET result = ?, update_time = ? WHERE id = ?",
		result, time.Now().UTC().Format(timeFormat), id,
	)
	return err
}

// pendingNodeIDs returns the node ids of the most recent limit unfinished,
// unexpired commands.
func pendingNodeIDs(db *sql.DB, limit int) (map[int64]struct{}, error) {
	rows, err := db.Query(`
		SELECT node_id FROM node_command
		WHERE finished = 0 AND (expire IS NULL OR expire > ?)
		ORDER BY id DESC LIMIT ?`,
		time.Now().UTC().Format(timeFormat), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending command scan: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// acquireForNode fetches up to limit pending commands for the node and marks
// them finished in the same transaction, so a command is never handed out
// twice.
func acquireForNode(db *sql.DB, nodeID int64, limit int) ([]Model, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	rows, err := tx.Query(`
		SELECT id, command, argument, expire FROM node_command
		WHERE node_id = ? AND finished = 0 AND (expire IS NULL OR expire > ?)
		ORDER BY id LIMIT ?`,
		nodeID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire commands: %w", err)
	}

	var out []Model
	for rows.Next() {
		var m Model
		var argument sql.NullString
		var expire sql.NullString
		if err := rows.Scan(&m.ID, &m.Command, &argument, &expire); err != nil {
			rows.Close()
			return nil, err
		}
		m.Argument = argument.String
		m.Expire = parseTime(expire)
		out = append(out, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, m := range out {
		if _, err := tx.Exec(
			"UPDATE node_command SET finished = 1, update_time = ? WHERE id = ?",
			now, m.ID,
		); err != nil {
			return nil, fmt.Errorf("finish command %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s.String)
	return t
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
