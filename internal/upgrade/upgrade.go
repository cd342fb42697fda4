// Package upgrade picks the best published version rule for a node on an
// update channel.
package upgrade

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stardust/internal/nodes"
)

// Channel is an upgrade track. Release is the floor: unparsable or
// below-floor input resolves to Release rather than erroring, and a request
// for a less stable channel never silently substitutes a more stable one.
type Channel int

const (
	Release Channel = iota + 1
	Beta
	Alpha
)

func (c Channel) String() string {
	switch c {
	case Beta:
		return "Beta"
	case Alpha:
		return "Alpha"
	default:
		return "Release"
	}
}

// ParseChannel resolves a channel name case-insensitively, defaulting to
// Release on failure.
func ParseChannel(s string) Channel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "beta":
		return Beta
	case "alpha":
		return Alpha
	default:
		return Release
	}
}

// Rule is a published upgrade candidate. Strategy is an applicability
// predicate over node attributes: semicolon-separated "key=v1,v2" clauses
// that must all match, where a clause matches if the node's attribute equals
// any listed value. An empty strategy matches every node.
type Rule struct {
	ID          int64     `json:"id"`
	Channel     Channel   `json:"channel"`
	Version     string    `json:"version"`
	Enabled     bool      `json:"enabled"`
	Force       bool      `json:"force"`
	Source      string    `json:"source"`
	Executor    string    `json:"executor,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	Description string    `json:"description,omitempty"`
	CreateTime  time.Time `json:"create_time"`
}

// Match evaluates the rule's strategy against a node's attributes.
func (r *Rule) Match(node *nodes.Node) bool {
	strategy := strings.TrimSpace(r.Strategy)
	if strategy == "" {
		return true
	}

	for _, clause := range strings.Split(strategy, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		key, values, ok := strings.Cut(clause, "=")
		if !ok {
			return false
		}

		var attr string
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "category":
			attr = node.Category
		case "area":
			attr = node.Area
		case "code":
			attr = node.Code
		case "name":
			attr = node.Name
		case "machinename":
			attr = node.MachineName
		case "version":
			attr = node.Version
		default:
			return false
		}

		matched := false
		for _, v := range strings.Split(values, ",") {
			if strings.EqualFold(strings.TrimSpace(v), attr) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// GetValids returns the enabled rules for a channel ordered by id.
func GetValids(db *sql.DB, ch Channel) ([]Rule, error) {
	rows, err := db.Query(`
		SELECT id, channel, version, enabled, force_pull, source, executor, strategy, description, create_time
		FROM node_version WHERE channel = ? AND enabled = 1 ORDER BY id`, int(ch))
	if err != nil {
		return nil, fmt.Errorf("list version rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var channel, enabled, force int
		var source, executor, strategy, description, createTime sql.NullString
		if err := rows.Scan(&r.ID, &channel, &r.Version, &enabled, &force,
			&source, &executor, &strategy, &description, &createTime); err != nil {
			return nil, err
		}
		r.Channel = Channel(channel)
		r.Enabled = enabled == 1
		r.Force = force == 1
		r.Source = source.String
		r.Executor = executor.String
		r.Strategy = strategy.String
		r.Description = description.String
		if createTime.Valid {
			r.CreateTime, _ = time.Parse("2006-01-02 15:04:05", createTime.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert stores a version rule (management surface and tests).
func Insert(db *sql.DB, r *Rule) error {
	result, err := db.Exec(`
		INSERT INTO node_version (channel, version, enabled, force_pull, source, executor, strategy, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int(r.Channel), r.Version, boolInt(r.Enabled), boolInt(r.Force),
		r.Source, r.Executor, r.Strategy, r.Description,
	)
	if err != nil {
		return fmt.Errorf("insert version rule: %w", err)
	}
	r.ID, err = result.LastInsertId()
	return err
}

// SelectVersion chooses the best-matching rule for the node on the named
// channel: among enabled rules whose strategy matches, the highest version
// ordinal wins, ties going to the lowest rule id. No match returns nil —
// "no upgrade" is not an error.
func SelectVersion(db *sql.DB, node *nodes.Node, channel string) (*Rule, error) {
	ch := ParseChannel(channel)

	rules, err := GetValids(db, ch)
	if err != nil {
		return nil, err
	}

	var best *Rule
	for i := range rules {
		r := &rules[i]
		if !r.Match(node) {
			continue
		}
		if best == nil || CompareVersions(r.Version, best.Version) > 0 {
			best = r
		}
	}
	return best, nil
}

// CompareVersions compares dotted numeric versions part-wise.
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	p1 := strings.Split(strings.TrimPrefix(strings.TrimSpace(v1), "v"), ".")
	p2 := strings.Split(strings.TrimPrefix(strings.TrimSpace(v2), "v"), ".")

	n := len(p1)
	if len(p2) > n {
		n = len(p2)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(p1) {
			a, _ = strconv.Atoi(p1[i])
		}
		if i < len(p2) {
			b, _ = strconv.Atoi(p2[i])
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
