package upgrade

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	stardustdb "stardust/internal/db"
	"stardust/internal/nodes"
)

// ── Test DB setup ───────────────────────────────────────────────────────────

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := stardustdb.Migrate(conn); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func publish(t *testing.T, conn *sql.DB, ch Channel, version, strategy string) *Rule {
	t.Helper()
	r := &Rule{
		Channel:  ch,
		Version:  version,
		Enabled:  true,
		Source:   "https://dl.example.com/agent-" + version + ".tar.gz",
		Strategy: strategy,
	}
	if err := Insert(conn, r); err != nil {
		t.Fatalf("Insert rule failed: %v", err)
	}
	return r
}

// ── ParseChannel ────────────────────────────────────────────────────────────

func TestParseChannel(t *testing.T) {
	cases := []struct {
		in   string
		want Channel
	}{
		{"release", Release},
		{"Beta", Beta},
		{" ALPHA ", Alpha},
		{"", Release},
		{"nightly", Release}, // unknown floors to Release
		{"0", Release},
	}
	for _, tc := range cases {
		if got := ParseChannel(tc.in); got != tc.want {
			t.Errorf("ParseChannel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── CompareVersions ─────────────────────────────────────────────────────────

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		v1, v2 string
		want   int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.4", "1.2.3", 1},
		{"1.10.0", "1.9.9", 1}, // numeric, not lexical
		{"1.2", "1.2.0", 0},
		{"1.2", "1.2.1", -1},
		{"v2.0.0", "1.9.9", 1},
		{"", "0", 0},
	}
	for _, tc := range cases {
		if got := CompareVersions(tc.v1, tc.v2); got != tc.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tc.v1, tc.v2, got, tc.want)
		}
	}
}

// ── Strategy matching ───────────────────────────────────────────────────────

func TestRuleMatch(t *testing.T) {
	node := &nodes.Node{
		Code:        "abc",
		Name:        "edge-1",
		Category:    "pos",
		Area:        "east",
		MachineName: "HOST-1",
		Version:     "1.0.0",
	}

	cases := []struct {
		strategy string
		want     bool
	}{
		{"", true},
		{"category=pos", true},
		{"category=kiosk,pos", true},
		{"category=kiosk", false},
		{"category=pos;area=east", true},
		{"category=pos;area=west", false},
		{"Category = POS", true}, // keys and values compare case-insensitively
		{"machinename=host-1", true},
		{"code=abc;name=edge-1;version=1.0.0", true},
		{"serial=xyz", false}, // unknown key never matches
		{"category", false},   // clause without '=' never matches
	}
	for _, tc := range cases {
		r := Rule{Strategy: tc.strategy}
		if got := r.Match(node); got != tc.want {
			t.Errorf("Match(strategy=%q) = %v, want %v", tc.strategy, got, tc.want)
		}
	}
}

// ── SelectVersion ───────────────────────────────────────────────────────────

func TestSelectVersion_HighestWins(t *testing.T) {
	conn := setupTestDB(t)
	node := &nodes.Node{Code: "abc"}

	publish(t, conn, Release, "1.2.0", "")
	best := publish(t, conn, Release, "1.10.0", "")
	publish(t, conn, Release, "1.9.0", "")

	got, err := SelectVersion(conn, node, "release")
	if err != nil {
		t.Fatalf("SelectVersion failed: %v", err)
	}
	if got == nil || got.ID != best.ID {
		t.Fatalf("selected %+v, want rule %d (1.10.0)", got, best.ID)
	}
}

func TestSelectVersion_TieGoesToLowestID(t *testing.T) {
	conn := setupTestDB(t)
	node := &nodes.Node{Code: "abc"}

	first := publish(t, conn, Release, "2.0.0", "")
	publish(t, conn, Release, "2.0.0", "")

	got, err := SelectVersion(conn, node, "release")
	if err != nil {
		t.Fatalf("SelectVersion failed: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Errorf("tie selected rule %v, want earliest id %d", got, first.ID)
	}
}

func TestSelectVersion_ChannelIsolation(t *testing.T) {
	conn := setupTestDB(t)
	node := &nodes.Node{Code: "abc"}

	// Only a Release rule exists; a Beta request must not fall back to it.
	publish(t, conn, Release, "1.0.0", "")

	got, err := SelectVersion(conn, node, "beta")
	if err != nil {
		t.Fatalf("SelectVersion failed: %v", err)
	}
	if got != nil {
		t.Errorf("beta request picked release rule %+v, want nil", got)
	}

	// And the Release request still works.
	got, _ = SelectVersion(conn, node, "release")
	if got == nil {
		t.Error("release request should find the release rule")
	}
}

func TestSelectVersion_StrategyFilters(t *testing.T) {
	conn := setupTestDB(t)
	node := &nodes.Node{Code: "abc", Category: "pos"}

	publish(t, conn, Release, "9.9.9", "category=kiosk")
	match := publish(t, conn, Release, "1.0.0", "category=pos")

	got, err := SelectVersion(conn, node, "")
	if err != nil {
		t.Fatalf("SelectVersion failed: %v", err)
	}
	if got == nil || got.ID != match.ID {
		t.Errorf("selected %+v, want the strategy-matching rule %d", got, match.ID)
	}
}

func TestSelectVersion_DisabledRuleSkipped(t *testing.T) {
	conn := setupTestDB(t)
	node := &nodes.Node{Code: "abc"}

	r := &Rule{Channel: Release, Version: "1.0.0", Enabled: false, Source: "s"}
	if err := Insert(conn, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := SelectVersion(conn, node, "release")
	if err != nil {
		t.Fatalf("SelectVersion failed: %v", err)
	}
	if got != nil {
		t.Errorf("disabled rule selected: %+v", got)
	}
}
