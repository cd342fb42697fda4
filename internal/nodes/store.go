package nodes

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const nodeColumns = `id, code, secret, name, category, version, compile_time,
	uuid, machine_guid, disk_id, macs, machine_name, user_name,
	ip, area, memory, enabled, period, online_time, logins, last_login,
	create_ip, update_ip, create_time, update_time`

// FindByCode retrieves a node by its unique code. Returns nil if absent.
func FindByCode(db *sql.DB, code string) (*Node, error) {
	row := db.QueryRow(`SELECT `+nodeColumns+` FROM node WHERE code = ?`, code)
	return scanNodeRow(row)
}

// FindByID retrieves a node by primary key.
func FindByID(db *sql.DB, id int64) (*Node, error) {
	row := db.QueryRow(`SELECT `+nodeColumns+` FROM node WHERE id = ?`, id)
	return scanNodeRow(row)
}

// Search finds all nodes whose UUID, machine GUID, or any MAC address matches
// the claim, ordered by id ascending so the earliest registration comes first.
// Empty claim fields are skipped.
func Search(db *sql.DB, uuid, machineGuid, macs string) ([]Node, error) {
	var clauses []string
	var args []interface{}

	if uuid != "" {
		clauses = append(clauses, "(uuid != '' AND uuid = ?)")
		args = append(args, uuid)
	}
	if machineGuid != "" {
		clauses = append(clauses, "(machine_guid != '' AND machine_guid = ?)")
		args = append(args, machineGuid)
	}
	for _, mac := range splitMacs(macs) {
		clauses = append(clauses, "(',' || macs || ',') LIKE ?")
		args = append(args, "%,"+mac+",%")
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	rows, err := db.Query(
		`SELECT `+nodeColumns+` FROM node WHERE `+strings.Join(clauses, " OR ")+` ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// List returns all nodes ordered by id.
func List(db *sql.DB) ([]Node, error) {
	rows, err := db.Query(`SELECT ` + nodeColumns + ` FROM node ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// Insert stores a new node record and fills in its assigned id.
func Insert(db *sql.DB, n *Node) error {
	now := time.Now().UTC()
	n.CreateTime = now
	n.UpdateTime = now

	result, err := db.Exec(`
		INSERT INTO node (code, secret, name, category, version, compile_time,
			uuid, machine_guid, disk_id, macs, machine_name, user_name,
			ip, area, memory, enabled, period, online_time, logins, last_login,
			create_ip, update_ip, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Code, n.Secret, n.Name, n.Category, n.Version, nullTime(n.CompileTime),
		n.UUID, n.MachineGuid, n.DiskID, n.Macs, n.MachineName, n.UserName,
		n.IP, n.Area, n.Memory, boolInt(n.Enabled), n.Period, n.OnlineTime, n.Logins,
		nullTime(n.LastLogin), n.CreateIP, n.UpdateIP,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	n.ID, err = result.LastInsertId()
	return err
}

// Update persists all mutable fields of an existing node.
func Update(db *sql.DB, n *Node) error {
	n.UpdateTime = time.Now().UTC()
	_, err := db.Exec(`
		UPDATE node SET code = ?, secret = ?, name = ?, category = ?, version = ?,
			compile_time = ?, uuid = ?, machine_guid = ?, disk_id = ?, macs = ?,
			machine_name = ?, user_name = ?, ip = ?, area = ?, memory = ?,
			enabled = ?, period = ?, logins = ?, last_login = ?,
			update_ip = ?, update_time = ?
		WHERE id = ?`,
		n.Code, n.Secret, n.Name, n.Category, n.Version,
		nullTime(n.CompileTime), n.UUID, n.MachineGuid, n.DiskID, n.Macs,
		n.MachineName, n.UserName, n.IP, n.Area, n.Memory,
		boolInt(n.Enabled), n.Period, n.Logins, nullTime(n.LastLogin),
		n.UpdateIP, n.UpdateTime.Format(timeFormat),
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("update node %d: %w", n.ID, err)
	}
	return nil
}

// AddOnlineTime adds elapsed seconds to the node's cumulative online counter.
// Only the logout path calls this, so there is no hot increment race.
func AddOnlineTime(db *sql.DB, id int64, seconds int64) error {
	_, err := db.Exec(
		"UPDATE node SET online_time = online_time + ?, update_time = ? WHERE id = ?",
		seconds, time.Now().UTC().Format(timeFormat), id,
	)
	return err
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

func splitMacs(macs string) []string {
	var out []string
	for _, m := range strings.Split(macs, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func scanNodeRow(row *sql.Row) (*Node, error) {
	n, err := scanNode(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func scanNodeRows(rows *sql.Rows) (*Node, error) {
	return scanNode(rows.Scan)
}

func scanNode(scan func(...interface{}) error) (*Node, error) {
	var n Node
	var secret, name, category, version sql.NullString
	var compileTime, lastLogin, createTime, updateTime sql.NullString
	var uuid, guid, diskID, macs, machineName, userName sql.NullString
	var ip, area, createIP, updateIP sql.NullString
	var enabled int

	err := scan(
		&n.ID, &n.Code, &secret, &name, &category, &version, &compileTime,
		&uuid, &guid, &diskID, &macs, &machineName, &userName,
		&ip, &area, &n.Memory, &enabled, &n.Period, &n.OnlineTime, &n.Logins,
		&lastLogin, &createIP, &updateIP, &createTime, &updateTime,
	)
	if err != nil {
		return nil, err
	}

	n.Secret = secret.String
	n.Name = name.String
	n.Category = category.String
	n.Version = version.String
	n.UUID = uuid.String
	n.MachineGuid = guid.String
	n.DiskID = diskID.String
	n.Macs = macs.String
	n.MachineName = machineName.String
	n.UserName = userName.String
	n.IP = ip.String
	n.Area = area.String
	n.CreateIP = createIP.String
	n.UpdateIP = updateIP.String
	n.Enabled = enabled == 1
	n.CompileTime = parseTime(compileTime)
	n.LastLogin = parseTime(lastLogin)
	n.CreateTime = parseTime(createTime)
	n.UpdateTime = parseTime(updateTime)
	return &n, nil
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
