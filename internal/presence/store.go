package presence

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

const onlineColumns = `session_id, node_id, name, category, version, compile_time,
	memory, macs, ip, token, creator, create_ip, create_time, update_time`

func findOnline(db *sql.DB, sid string) (*Online, error) {
	row := db.QueryRow(`SELECT `+onlineColumns+` FROM node_online WHERE session_id = ?`, sid)
	olt, err := scanOnline(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return olt, err
}

func listOnline(db *sql.DB) ([]Online, error) {
	rows, err := db.Query(`SELECT ` + onlineColumns + ` FROM node_online ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list online sessions: %w", err)
	}
	defer rows.Close()

	var out []Online
	for rows.Next() {
		olt, err := scanOnline(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *olt)
	}
	return out, rows.Err()
}

func upsertOnline(db *sql.DB, olt *Online) error {
	_, err := db.Exec(`
		INSERT INTO node_online (session_id, node_id, name, category, version,
			compile_time, memory, macs, ip, token, creator, create_ip,
			create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			name = excluded.name, category = excluded.category,
			version = excluded.version, compile_time = excluded.compile_time,
			memory = excluded.memory, macs = excluded.macs, ip = excluded.ip,
			token = excluded.token, update_time = excluded.update_time`,
		olt.SessionID, olt.NodeID, olt.Name, olt.Category, olt.Version,
		nullTime(olt.CompileTime), olt.Memory, olt.Macs, olt.IP, olt.Token,
		olt.Creator, olt.CreateIP,
		olt.CreateTime.Format(timeFormat), olt.UpdateTime.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("save online session %s: %w", olt.SessionID, err)
	}
	return nil
}

func deleteOnline(db *sql.DB, sid string) error {
	_, err := db.Exec(`DELETE FROM node_online WHERE session_id = ?`, sid)
	return err
}

func scanOnline(scan func(...interface{}) error) (*Online, error) {
	var olt Online
	var name, category, version, macs, ip, tok, creator, createIP sql.NullString
	var compileTime, createTime, updateTime sql.NullString

	err := scan(
		&olt.SessionID, &olt.NodeID, &name, &category, &version, &compileTime,
		&olt.Memory, &macs, &ip, &tok, &creator, &createIP,
		&createTime, &updateTime,
	)
	if err != nil {
		return nil, err
	}

	olt.Name = name.String
	olt.Category = category.String
	olt.Version = version.String
	olt.Macs = macs.String
	olt.IP = ip.String
	olt.Token = tok.String
	olt.Creator = creator.String
	olt.CreateIP = createIP.String
	olt.CompileTime = parseTime(compileTime)
	olt.CreateTime = parseTime(createTime)
	olt.UpdateTime = parseTime(updateTime)
	return &olt, nil
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
