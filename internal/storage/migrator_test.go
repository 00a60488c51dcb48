package storage

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "statement with semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "multiple with comments",
			sql: `-- Comment
CREATE TABLE a (id INT);
-- Another comment
CREATE TABLE b (id INT)`,
			expected: []string{"-- Comment\nCREATE TABLE a (id INT)", "-- Another comment\nCREATE TABLE b (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "double quoted semicolon",
			sql:      `SELECT "a;b" FROM t; SELECT 1`,
			expected: []string{`SELECT "a;b" FROM t`, "SELECT 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Errorf("splitStatements() returned %d statements, want %d", len(result), len(tt.expected))
				t.Errorf("Got: %v", result)
				t.Errorf("Want: %v", tt.expected)
				return
			}

			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	wantNames := []string{
		"create_message_events",
		"create_verdicts",
		"create_cases",
		"create_messages_quarantine",
	}
	if len(migrations) != len(wantNames) {
		t.Fatalf("loadMigrations() returned %d migrations, want %d", len(migrations), len(wantNames))
	}

	for i, want := range wantNames {
		m := migrations[i]
		if m.Version != uint32(i+1) {
			t.Errorf("migration[%d].Version = %d, want %d", i, m.Version, i+1)
		}
		if m.Name != want {
			t.Errorf("migration[%d].Name = %q, want %q", i, m.Name, want)
		}
		if strings.TrimSpace(m.SQL) == "" {
			t.Errorf("migration[%d].SQL is empty", i)
		}
	}
}

func TestMigrationTableEngines(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	byName := make(map[string]string, len(migrations))
	for _, m := range migrations {
		byName[m.Name] = m.SQL
	}

	// Cases are updated in place; the table must replace rows by id on merge.
	if !strings.Contains(byName["create_cases"], "ReplacingMergeTree(updated_at)") {
		t.Error("cases table should use ReplacingMergeTree(updated_at)")
	}
	if !strings.Contains(byName["create_cases"], "ORDER BY id") {
		t.Error("cases table should be keyed by id")
	}

	for _, name := range []string{"create_message_events", "create_verdicts", "create_messages_quarantine"} {
		if !strings.Contains(byName[name], "MergeTree()") {
			t.Errorf("%s should use a MergeTree engine", name)
		}
	}
}
