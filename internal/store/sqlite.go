package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/source"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Activity Operations
// ============================================================================

const activityColumns = `
	external_id, source, name, type, raw_type, start_date, start_date_local, timezone,
	distance, moving_time, elapsed_time, elevation_gain, average_speed, max_speed,
	average_heartrate, max_heartrate, average_cadence, average_power, calories,
	start_lat, start_lng, end_lat, end_lng, polyline`

const activityPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

func activityArgs(a *activity.Activity) []any {
	var startLocal any
	if !a.StartDateLocal.IsZero() {
		startLocal = a.StartDateLocal
	}
	var sLat, sLng, eLat, eLng any
	if a.StartLatLng != nil {
		sLat, sLng = a.StartLatLng.Lat, a.StartLatLng.Lng
	}
	if a.EndLatLng != nil {
		eLat, eLng = a.EndLatLng.Lat, a.EndLatLng.Lng
	}
	return []any{
		a.ExternalID, a.Source, a.Name, string(a.Type), a.RawType,
		a.StartDate.UTC(), startLocal, a.Timezone,
		nullFloat(a.Distance), nullInt(a.MovingTime), nullInt(a.ElapsedTime),
		nullFloat(a.ElevationGain), nullFloat(a.AverageSpeed), nullFloat(a.MaxSpeed),
		nullFloat(a.AverageHeartrate), nullFloat(a.MaxHeartrate), nullFloat(a.AverageCadence),
		nullFloat(a.AveragePower), nullFloat(a.Calories),
		sLat, sLng, eLat, eLng, a.Polyline,
	}
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*activity.Activity, error) {
	var (
		a                               activity.Activity
		typ                             string
		startLocal                      sql.NullTime
		distance, elevation, avgSpeed   sql.NullFloat64
		maxSpeed, avgHR, maxHR, cadence sql.NullFloat64
		power, calories                 sql.NullFloat64
		sLat, sLng, eLat, eLng          sql.NullFloat64
		moving, elapsed                 sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.ExternalID, &a.Source, &a.Name, &typ, &a.RawType,
		&a.StartDate, &startLocal, &a.Timezone,
		&distance, &moving, &elapsed, &elevation, &avgSpeed, &maxSpeed,
		&avgHR, &maxHR, &cadence, &power, &calories,
		&sLat, &sLng, &eLat, &eLng, &a.Polyline,
	)
	if err != nil {
		return nil, err
	}

	a.Type = activity.Type(typ)
	if startLocal.Valid {
		a.StartDateLocal = startLocal.Time
	}
	a.Distance = floatPtr(distance)
	a.MovingTime = intPtr(moving)
	a.ElapsedTime = intPtr(elapsed)
	a.ElevationGain = floatPtr(elevation)
	a.AverageSpeed = floatPtr(avgSpeed)
	a.MaxSpeed = floatPtr(maxSpeed)
	a.AverageHeartrate = floatPtr(avgHR)
	a.MaxHeartrate = floatPtr(maxHR)
	a.AverageCadence = floatPtr(cadence)
	a.AveragePower = floatPtr(power)
	a.Calories = floatPtr(calories)
	if sLat.Valid && sLng.Valid {
		a.StartLatLng = &activity.LatLng{Lat: sLat.Float64, Lng: sLng.Float64}
	}
	if eLat.Valid && eLng.Valid {
		a.EndLatLng = &activity.LatLng{Lat: eLat.Float64, Lng: eLng.Float64}
	}
	return &a, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FindByExternalID returns the activity with the given natural key, or
// nil and no error when none exists.
func (s *Store) FindByExternalID(ctx context.Context, externalID, src string) (*activity.Activity, error) {
	query := `SELECT id, ` + activityColumns + ` FROM activities WHERE external_id = ? AND source = ?`
	a, err := scanActivity(s.db.QueryRowContext(ctx, query, externalID, src))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity %s/%s: %w", src, externalID, err)
	}
	return a, nil
}

// GetActivity retrieves an activity by local id
func (s *Store) GetActivity(ctx context.Context, id int64) (*activity.Activity, error) {
	query := `SELECT id, ` + activityColumns + ` FROM activities WHERE id = ?`
	a, err := scanActivity(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return a, nil
}

// Insert stores a new activity and returns its id. A natural-key collision
// returns ErrDuplicate.
func (s *Store) Insert(ctx context.Context, a *activity.Activity) (int64, error) {
	query := `INSERT INTO activities (` + activityColumns + `) VALUES (` + activityPlaceholders + `)`
	result, err := s.db.ExecContext(ctx, query, activityArgs(a)...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("activity %s: %w", a.Key(), ErrDuplicate)
		}
		return 0, fmt.Errorf("failed to insert activity: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// Update overwrites the stored activity with id. Last write wins.
func (s *Store) Update(ctx context.Context, id int64, a *activity.Activity) error {
	const query = `
		UPDATE activities SET
			external_id = ?, source = ?, name = ?, type = ?, raw_type = ?,
			start_date = ?, start_date_local = ?, timezone = ?,
			distance = ?, moving_time = ?, elapsed_time = ?, elevation_gain = ?,
			average_speed = ?, max_speed = ?, average_heartrate = ?, max_heartrate = ?,
			average_cadence = ?, average_power = ?, calories = ?,
			start_lat = ?, start_lng = ?, end_lat = ?, end_lng = ?, polyline = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	args := append(activityArgs(a), id)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}
	return nil
}

// Upsert inserts or updates by (external_id, source) in one transaction and
// reports whether a new row was created.
func (s *Store) Upsert(ctx context.Context, a *activity.Activity) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM activities WHERE external_id = ? AND source = ?`,
		a.ExternalID, a.Source,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to look up activity: %w", err)
	}
	created := errors.Is(err, sql.ErrNoRows)

	query := `
		INSERT INTO activities (` + activityColumns + `) VALUES (` + activityPlaceholders + `)
		ON CONFLICT(external_id, source) DO UPDATE SET
			name = excluded.name, type = excluded.type, raw_type = excluded.raw_type,
			start_date = excluded.start_date, start_date_local = excluded.start_date_local,
			timezone = excluded.timezone, distance = excluded.distance,
			moving_time = excluded.moving_time, elapsed_time = excluded.elapsed_time,
			elevation_gain = excluded.elevation_gain, average_speed = excluded.average_speed,
			max_speed = excluded.max_speed, average_heartrate = excluded.average_heartrate,
			max_heartrate = excluded.max_heartrate, average_cadence = excluded.average_cadence,
			average_power = excluded.average_power, calories = excluded.calories,
			start_lat = excluded.start_lat, start_lng = excluded.start_lng,
			end_lat = excluded.end_lat, end_lng = excluded.end_lng,
			polyline = excluded.polyline, updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`
	var id int64
	if err := tx.QueryRowContext(ctx, query, activityArgs(a)...).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("failed to upsert activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return id, created, nil
}

// ListActivities returns activities newest first, optionally filtered by
// source. limit <= 0 means 100.
func (s *Store) ListActivities(ctx context.Context, src string, limit int) ([]activity.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ` + activityColumns + ` FROM activities`
	var args []any
	if src != "" {
		query += ` WHERE source = ?`
		args = append(args, src)
	}
	query += ` ORDER BY start_date DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []activity.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CountActivities returns the number of stored activities for a source, or
// all sources when src is empty.
func (s *Store) CountActivities(ctx context.Context, src string) (int, error) {
	query := "SELECT COUNT(*) FROM activities"
	var args []any
	if src != "" {
		query += " WHERE source = ?"
		args = append(args, src)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return count, nil
}

// ============================================================================
// SyncRun Operations
// ============================================================================

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			source, start_time, end_time, activities_processed, activities_added,
			activities_updated, error_count, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.Source, run.StartTime.UTC(), runEndTime(run), run.ActivitiesProcessed,
		run.ActivitiesAdded, run.ActivitiesUpdated, run.ErrorCount,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// runEndTime stores a running run's end time as NULL.
func runEndTime(run *SyncRun) any {
	if run.EndTime.IsZero() {
		return nil
	}
	return run.EndTime.UTC()
}

// UpdateSyncRun completes a SyncRun created when the attempt started
func (s *Store) UpdateSyncRun(ctx context.Context, run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			source = ?, start_time = ?, end_time = ?, activities_processed = ?,
			activities_added = ?, activities_updated = ?, error_count = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.Source, run.StartTime.UTC(), runEndTime(run), run.ActivitiesProcessed,
		run.ActivitiesAdded, run.ActivitiesUpdated, run.ErrorCount,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// ListSyncRuns returns recent runs newest first, optionally for one source.
func (s *Store) ListSyncRuns(ctx context.Context, src string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, source, start_time, end_time, activities_processed, activities_added,
		       activities_updated, error_count, status, error_message
		FROM sync_runs
	`
	var args []any
	if src != "" {
		query += " WHERE source = ?"
		args = append(args, src)
	}
	query += " ORDER BY start_time DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		var end sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.Source, &run.StartTime, &end,
			&run.ActivitiesProcessed, &run.ActivitiesAdded, &run.ActivitiesUpdated,
			&run.ErrorCount, &run.Status, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		if end.Valid {
			run.EndTime = end.Time
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

// ============================================================================
// SourceConfig Operations
// ============================================================================

const sourceConfigColumns = `id, name, type, enabled, settings_json, status, last_sync, error_message, created_at, updated_at`

func scanSourceConfig(row rowScanner) (*SourceConfig, error) {
	sc := &SourceConfig{}
	var lastSync sql.NullTime
	if err := row.Scan(
		&sc.ID, &sc.Name, &sc.Type, &sc.Enabled, &sc.SettingsJSON,
		&sc.Status, &lastSync, &sc.ErrorMessage, &sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		ts := lastSync.Time
		sc.LastSync = &ts
	}
	return sc, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateSourceConfig inserts a new source config. The id must be unique.
func (s *Store) CreateSourceConfig(ctx context.Context, sc *SourceConfig) error {
	query := `
		INSERT INTO source_configs (id, name, type, enabled, settings_json, status, last_sync, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sc.ID, sc.Name, sc.Type, sc.Enabled, sc.SettingsJSON,
		sc.Status, nullTime(sc.LastSync), sc.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("source config %s: %w", sc.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert source config: %w", err)
	}
	return nil
}

// GetSourceConfig retrieves a source config by id.
func (s *Store) GetSourceConfig(ctx context.Context, id string) (*SourceConfig, error) {
	query := `SELECT ` + sourceConfigColumns + ` FROM source_configs WHERE id = ?`
	sc, err := scanSourceConfig(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query source config: %w", err)
	}
	return sc, nil
}

// ListSourceConfigs retrieves all source configs ordered by id.
func (s *Store) ListSourceConfigs(ctx context.Context) ([]SourceConfig, error) {
	query := `SELECT ` + sourceConfigColumns + ` FROM source_configs ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query source configs: %w", err)
	}
	defer rows.Close()

	var configs []SourceConfig
	for rows.Next() {
		sc, err := scanSourceConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source config: %w", err)
		}
		configs = append(configs, *sc)
	}
	return configs, rows.Err()
}

// UpdateSourceConfig overwrites an existing source config by id.
func (s *Store) UpdateSourceConfig(ctx context.Context, sc *SourceConfig) error {
	const query = `
		UPDATE source_configs SET
			name = ?, type = ?, enabled = ?, settings_json = ?, status = ?,
			last_sync = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		sc.Name, sc.Type, sc.Enabled, sc.SettingsJSON, sc.Status,
		nullTime(sc.LastSync), sc.ErrorMessage, sc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update source config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source config %s: %w", sc.ID, ErrNotFound)
	}
	return nil
}

// SaveSourceConfig records sync outcome fields (status, last sync, error)
// for a registered source. It satisfies source.ConfigSaver and leaves the
// user-edited fields alone.
func (s *Store) SaveSourceConfig(ctx context.Context, cfg source.Config) error {
	const query = `
		UPDATE source_configs SET
			status = ?, last_sync = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query, string(cfg.Status), nullTime(cfg.LastSync), cfg.ErrorMessage, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to save source status: %w", err)
	}
	return nil
}

// UpdateSourceSettings replaces only the settings of a source, e.g. after
// an OAuth callback yields a new refresh token.
func (s *Store) UpdateSourceSettings(ctx context.Context, id string, settingsJSON string) error {
	const query = `UPDATE source_configs SET settings_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, settingsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update source settings: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source config %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSourceConfig deletes a source config by id.
func (s *Store) DeleteSourceConfig(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM source_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source config %s: %w", id, ErrNotFound)
	}
	return nil
}

// ToggleSourceConfig flips the enabled state of a source.
func (s *Store) ToggleSourceConfig(ctx context.Context, id string) error {
	const query = `
		UPDATE source_configs
		SET enabled = CASE WHEN enabled = 1 THEN 0 ELSE 1 END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to toggle source config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source config %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountSourceConfigs returns the number of source configs.
func (s *Store) CountSourceConfigs(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM source_configs").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count source configs: %w", err)
	}
	return count, nil
}

// SeedSourceConfigs populates source_configs from the YAML sources map.
// This is a no-op if the table already has rows.
func (s *Store) SeedSourceConfigs(ctx context.Context, configs []source.Config) error {
	count, err := s.CountSourceConfigs(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Debug("source_configs table already populated, skipping seed")
		return nil
	}

	seeded := 0
	for _, cfg := range configs {
		sc, err := SourceConfigFrom(cfg)
		if err != nil {
			s.logger.Warn("failed to encode source config for seeding", "source", cfg.ID, "error", err)
			continue
		}
		if err := s.CreateSourceConfig(ctx, sc); err != nil {
			s.logger.Warn("failed to seed source config", "source", cfg.ID, "error", err)
			continue
		}
		seeded++
	}

	s.logger.Info("seeded source configs from YAML", "count", seeded)
	return nil
}
