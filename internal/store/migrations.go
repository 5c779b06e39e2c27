package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE activities (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					external_id TEXT NOT NULL,
					source TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL,
					raw_type TEXT NOT NULL DEFAULT '',
					start_date DATETIME NOT NULL,
					start_date_local DATETIME,
					timezone TEXT NOT NULL DEFAULT '',
					distance REAL,
					moving_time INTEGER,
					elapsed_time INTEGER,
					elevation_gain REAL,
					average_speed REAL,
					max_speed REAL,
					average_heartrate REAL,
					max_heartrate REAL,
					average_cadence REAL,
					average_power REAL,
					calories REAL,
					start_lat REAL,
					start_lng REAL,
					end_lat REAL,
					end_lng REAL,
					polyline TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(external_id, source)
				);

				CREATE INDEX idx_activities_start_date ON activities(start_date);

				CREATE TABLE sync_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					source TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					activities_processed INTEGER DEFAULT 0,
					activities_added INTEGER DEFAULT 0,
					activities_updated INTEGER DEFAULT 0,
					error_count INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX idx_sync_runs_source ON sync_runs(source, start_time);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE source_configs (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					type TEXT NOT NULL,
					enabled INTEGER NOT NULL DEFAULT 1,
					settings_json TEXT NOT NULL DEFAULT '{}',
					status TEXT NOT NULL DEFAULT 'inactive',
					last_sync DATETIME,
					error_message TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := s.runMigration(m.version, m.sql); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", m.version)
	}

	return nil
}

// runMigration applies one migration and records it in a single transaction
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to apply migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}
	return tx.Commit()
}
