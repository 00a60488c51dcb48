package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one versioned DDL step.
type Migration struct {
	Version uint32
	Name    string
	SQL     string
}

// Migrator applies pending schema migrations in version order. Applied
// versions are recorded in the schema_migrations ledger so reruns are
// idempotent.
type Migrator struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewMigrator creates a migrator for the given client.
func NewMigrator(client *ClickHouseClient, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{client: client, logger: logger}
}

// Run applies all pending migrations.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		m.logger.Info("applying migration",
			"version", migration.Version,
			"name", migration.Name)

		for _, stmt := range splitStatements(migration.SQL) {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %03d_%s: %w", migration.Version, migration.Name, err)
			}
		}

		if err := m.recordMigration(ctx, migration); err != nil {
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	return m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY version
	`)
}

func (m *Migrator) recordMigration(ctx context.Context, migration Migration) error {
	return m.client.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name)
}

// GetAppliedMigrations returns the set of already-applied versions.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[uint32]bool, error) {
	applied := make(map[uint32]bool)

	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, WrapQueryError("scan_migration", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// loadMigrations reads the embedded migration files. File names follow
// NNN_description.sql and are applied in ascending version order.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version uint32
		var name string
		if _, err := fmt.Sscanf(entry.Name(), "%03d_%s", &version, &name); err != nil {
			return nil, fmt.Errorf("malformed migration name %q: %w", entry.Name(), err)
		}
		name = strings.TrimSuffix(name, ".sql")

		content, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// splitStatements splits a migration file into individual statements on
// semicolons, ignoring semicolons inside quoted strings.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	var inSingle, inDouble, escaped bool

	for _, r := range sql {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		switch r {
		case '\\':
			current.WriteRune(r)
			escaped = inSingle || inDouble
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
			current.WriteRune(r)
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
			current.WriteRune(r)
		case ';':
			if inSingle || inDouble {
				current.WriteRune(r)
				continue
			}
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}
