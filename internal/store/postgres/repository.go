// Package postgres is an alternate activity record store backed by
// Postgres, selected with store.driver: postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id BIGSERIAL PRIMARY KEY,
	external_id TEXT NOT NULL,
	source TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	raw_type TEXT NOT NULL DEFAULT '',
	start_date TIMESTAMPTZ NOT NULL,
	start_date_local TIMESTAMP,
	timezone TEXT NOT NULL DEFAULT '',
	distance DOUBLE PRECISION,
	moving_time INTEGER,
	elapsed_time INTEGER,
	elevation_gain DOUBLE PRECISION,
	average_speed DOUBLE PRECISION,
	max_speed DOUBLE PRECISION,
	average_heartrate DOUBLE PRECISION,
	max_heartrate DOUBLE PRECISION,
	average_cadence DOUBLE PRECISION,
	average_power DOUBLE PRECISION,
	calories DOUBLE PRECISION,
	start_lat DOUBLE PRECISION,
	start_lng DOUBLE PRECISION,
	end_lat DOUBLE PRECISION,
	end_lng DOUBLE PRECISION,
	polyline TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (external_id, source)
);
CREATE INDEX IF NOT EXISTS idx_activities_start_date ON activities (start_date);
`

const columns = `external_id, source, name, type, raw_type, start_date, start_date_local, timezone,
	distance, moving_time, elapsed_time, elevation_gain, average_speed, max_speed,
	average_heartrate, max_heartrate, average_cadence, average_power, calories,
	start_lat, start_lng, end_lat, end_lng, polyline`

const placeholders = `$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24`

// Repository provides Postgres-backed persistence for activities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open connects to url, verifies the connection and applies the schema.
func Open(ctx context.Context, url string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	r := NewRepository(pool)
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Migrate creates the activities table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

func args(a *activity.Activity) []any {
	var startLocal *time.Time
	if !a.StartDateLocal.IsZero() {
		t := a.StartDateLocal
		startLocal = &t
	}
	var sLat, sLng, eLat, eLng *float64
	if a.StartLatLng != nil {
		sLat, sLng = &a.StartLatLng.Lat, &a.StartLatLng.Lng
	}
	if a.EndLatLng != nil {
		eLat, eLng = &a.EndLatLng.Lat, &a.EndLatLng.Lng
	}
	return []any{
		a.ExternalID, a.Source, a.Name, string(a.Type), a.RawType,
		a.StartDate.UTC(), startLocal, a.Timezone,
		a.Distance, a.MovingTime, a.ElapsedTime, a.ElevationGain, a.AverageSpeed, a.MaxSpeed,
		a.AverageHeartrate, a.MaxHeartrate, a.AverageCadence, a.AveragePower, a.Calories,
		sLat, sLng, eLat, eLng, a.Polyline,
	}
}

func scan(row pgx.Row) (*activity.Activity, error) {
	var (
		a                      activity.Activity
		typ                    string
		startLocal             *time.Time
		sLat, sLng, eLat, eLng *float64
	)
	err := row.Scan(
		&a.ID, &a.ExternalID, &a.Source, &a.Name, &typ, &a.RawType,
		&a.StartDate, &startLocal, &a.Timezone,
		&a.Distance, &a.MovingTime, &a.ElapsedTime, &a.ElevationGain, &a.AverageSpeed, &a.MaxSpeed,
		&a.AverageHeartrate, &a.MaxHeartrate, &a.AverageCadence, &a.AveragePower, &a.Calories,
		&sLat, &sLng, &eLat, &eLng, &a.Polyline,
	)
	if err != nil {
		return nil, err
	}
	a.Type = activity.Type(typ)
	if startLocal != nil {
		a.StartDateLocal = *startLocal
	}
	if sLat != nil && sLng != nil {
		a.StartLatLng = &activity.LatLng{Lat: *sLat, Lng: *sLng}
	}
	if eLat != nil && eLng != nil {
		a.EndLatLng = &activity.LatLng{Lat: *eLat, Lng: *eLng}
	}
	return &a, nil
}

// FindByExternalID returns the activity with the natural key, or nil.
func (r *Repository) FindByExternalID(ctx context.Context, externalID, src string) (*activity.Activity, error) {
	query := `SELECT id, ` + columns + ` FROM activities WHERE external_id = $1 AND source = $2`
	a, err := scan(r.pool.QueryRow(ctx, query, externalID, src))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity %s/%s: %w", src, externalID, err)
	}
	return a, nil
}

// GetActivity returns the activity with the given id or store.ErrNotFound.
func (r *Repository) GetActivity(ctx context.Context, id int64) (*activity.Activity, error) {
	query := `SELECT id, ` + columns + ` FROM activities WHERE id = $1`
	a, err := scan(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("activity %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return a, nil
}

// Insert stores a new activity and returns its id.
func (r *Repository) Insert(ctx context.Context, a *activity.Activity) (int64, error) {
	query := `INSERT INTO activities (` + columns + `) VALUES (` + placeholders + `) RETURNING id`
	var id int64
	if err := r.pool.QueryRow(ctx, query, args(a)...).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("activity %s: %w", a.Key(), store.ErrDuplicate)
		}
		return 0, fmt.Errorf("failed to insert activity: %w", err)
	}
	return id, nil
}

// Update overwrites the stored activity with id.
func (r *Repository) Update(ctx context.Context, id int64, a *activity.Activity) error {
	query := `UPDATE activities SET (` + columns + `, updated_at) = (` + placeholders + `, now()) WHERE id = $25`
	tag, err := r.pool.Exec(ctx, query, append(args(a), id)...)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// Upsert inserts or updates by (external_id, source) in one statement.
// xmax is zero only for freshly inserted rows.
func (r *Repository) Upsert(ctx context.Context, a *activity.Activity) (int64, bool, error) {
	query := `INSERT INTO activities (` + columns + `) VALUES (` + placeholders + `)
		ON CONFLICT (external_id, source) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, raw_type = EXCLUDED.raw_type,
			start_date = EXCLUDED.start_date, start_date_local = EXCLUDED.start_date_local,
			timezone = EXCLUDED.timezone, distance = EXCLUDED.distance,
			moving_time = EXCLUDED.moving_time, elapsed_time = EXCLUDED.elapsed_time,
			elevation_gain = EXCLUDED.elevation_gain, average_speed = EXCLUDED.average_speed,
			max_speed = EXCLUDED.max_speed, average_heartrate = EXCLUDED.average_heartrate,
			max_heartrate = EXCLUDED.max_heartrate, average_cadence = EXCLUDED.average_cadence,
			average_power = EXCLUDED.average_power, calories = EXCLUDED.calories,
			start_lat = EXCLUDED.start_lat, start_lng = EXCLUDED.start_lng,
			end_lat = EXCLUDED.end_lat, end_lng = EXCLUDED.end_lng,
			polyline = EXCLUDED.polyline, updated_at = now()
		RETURNING id, (xmax = 0)`
	var (
		id      int64
		created bool
	)
	if err := r.pool.QueryRow(ctx, query, args(a)...).Scan(&id, &created); err != nil {
		return 0, false, fmt.Errorf("failed to upsert activity: %w", err)
	}
	return id, created, nil
}

// ListActivities returns activities newest first, optionally by source.
func (r *Repository) ListActivities(ctx context.Context, src string, limit int) ([]activity.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ` + columns + ` FROM activities WHERE ($1 = '' OR source = $1) ORDER BY start_date DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, src, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []activity.Activity
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CountActivities counts stored activities, optionally by source.
func (r *Repository) CountActivities(ctx context.Context, src string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activities WHERE ($1 = '' OR source = $1)`, src).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}
