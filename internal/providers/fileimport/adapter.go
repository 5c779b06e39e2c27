// Package fileimport imports GPX and FIT activity files from a local
// directory tree.
package fileimport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/safety"
	"github.com/BadgerOps/fitsync/internal/source"
)

// Type is the source type name used in configuration.
const Type = "file"

// maxFileSize skips files too large to be a single activity.
const maxFileSize = 64 << 20

// parsed is the summary extracted from one file before normalization.
type parsed struct {
	name          string
	rawType       string
	start         time.Time
	elapsed       *int
	moving        *int
	distance      *float64
	elevationGain *float64
	avgSpeed      *float64
	maxSpeed      *float64
	avgHR         *float64
	maxHR         *float64
	avgCadence    *float64
	avgPower      *float64
	calories      *float64
	startLatLng   *activity.LatLng
	endLatLng     *activity.LatLng
}

// Options configures an Adapter.
type Options struct {
	ID       string
	Name     string
	Config   config.FileSourceConfig
	Records  engine.RecordStore
	Settings engine.Settings
	LastSync *time.Time
	Logger   *slog.Logger
}

// Adapter implements source.DataSource over a directory of activity files.
type Adapter struct {
	id       string
	root     string
	loc      *time.Location
	records  engine.RecordStore
	settings engine.Settings
	status   *source.StatusTracker
	logger   *slog.Logger

	configErr error

	mu    sync.RWMutex
	name  string
	token *source.Token
}

// New creates a file import adapter rooted at cfg.Path. An invalid
// configuration still yields an adapter; Authenticate reports the problem.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		id:       opts.ID,
		name:     opts.Name,
		loc:      time.UTC,
		records:  opts.Records,
		settings: opts.Settings,
		status:   source.NewStatusTracker(opts.LastSync),
		logger:   logger.With("source", opts.ID),
	}
	if err := a.configure(opts.Config); err != nil {
		a.logger.Warn("source misconfigured", "error", err)
		a.configErr = err
	}
	return a
}

func (a *Adapter) configure(cfg config.FileSourceConfig) error {
	if cfg.Path == "" {
		return &source.ConfigurationError{Source: a.id, Field: "path", Reason: "import directory is required"}
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return &source.ConfigurationError{Source: a.id, Field: "path", Reason: err.Error()}
	}
	a.root = root
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return &source.ConfigurationError{Source: a.id, Field: "timezone", Reason: err.Error()}
		}
		a.loc = loc
	}
	return nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return Type }

func (a *Adapter) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *Adapter) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

// Validate implements source.Validator.
func (a *Adapter) Validate() error { return a.configErr }

// Authenticate checks that the import directory is readable and returns a
// local token that never expires.
func (a *Adapter) Authenticate(ctx context.Context) (*source.Token, error) {
	if a.configErr != nil {
		return nil, a.configErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(a.root)
	if err != nil {
		return nil, &source.ConfigurationError{Source: a.id, Field: "path", Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &source.ConfigurationError{Source: a.id, Field: "path", Reason: a.root + " is not a directory"}
	}
	tok := &source.Token{AccessToken: "local", TokenType: "local"}
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
	return tok, nil
}

func (a *Adapter) CurrentToken() *source.Token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	if _, err := a.Authenticate(ctx); err != nil {
		a.logger.Warn("connection test failed", "error", err)
		return false
	}
	return true
}

// FetchActivities parses every .gpx and .fit file under the root that was
// modified after opts.Since. Files that fail to parse are reported together
// after the walk; the rest are still returned.
func (a *Adapter) FetchActivities(ctx context.Context, opts source.FetchOptions) ([]activity.Activity, error) {
	if a.configErr != nil {
		return nil, a.configErr
	}
	paths, err := a.scan(ctx, opts.Since)
	if err != nil {
		return nil, err
	}

	var (
		acts []activity.Activity
		errs []error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		act, err := a.load(path)
		if err != nil {
			a.logger.Warn("skipping unreadable activity file", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		acts = append(acts, *act)
	}

	sort.SliceStable(acts, func(i, j int) bool { return acts[i].StartDate.Before(acts[j].StartDate) })
	acts = opts.Apply(acts)
	if len(errs) > 0 {
		return acts, &source.FetchIncompleteError{
			Source:  a.id,
			Page:    1,
			Fetched: len(acts),
			Err:     errors.Join(errs...),
		}
	}
	return acts, nil
}

func (a *Adapter) scan(ctx context.Context, since time.Time) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != a.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".gpx", ".fit":
		default:
			return nil
		}
		if !since.IsZero() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.ModTime().After(since) {
				return nil
			}
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, &source.TransientFetchError{Source: a.id, Err: fmt.Errorf("walk %s: %w", a.root, err)}
	}
	return paths, nil
}

func (a *Adapter) load(path string) (*activity.Activity, error) {
	key, err := safety.RelativeKey(a.root, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s: file exceeds %d bytes", key, maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *parsed
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpx":
		p, err = parseGPX(data)
	case ".fit":
		p, err = parseFIT(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	act := a.normalize(key, p)
	return &act, nil
}

// normalize builds the canonical activity. StartDateLocal carries the
// configured zone's wall clock, expressed in UTC like Strava's
// start_date_local.
func (a *Adapter) normalize(key string, p *parsed) activity.Activity {
	start := p.start.UTC()
	local := start.In(a.loc)
	wall := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, time.UTC)

	name := p.name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(key), filepath.Ext(key))
	}
	return activity.Activity{
		ExternalID:       key,
		Source:           activity.SourceFile,
		Name:             name,
		Type:             activity.NormalizeType(p.rawType),
		RawType:          p.rawType,
		StartDate:        start,
		StartDateLocal:   wall,
		Timezone:         a.loc.String(),
		Distance:         p.distance,
		MovingTime:       p.moving,
		ElapsedTime:      p.elapsed,
		ElevationGain:    p.elevationGain,
		AverageSpeed:     p.avgSpeed,
		MaxSpeed:         p.maxSpeed,
		AverageHeartrate: p.avgHR,
		MaxHeartrate:     p.maxHR,
		AverageCadence:   p.avgCadence,
		AveragePower:     p.avgPower,
		Calories:         p.calories,
		StartLatLng:      p.startLatLng,
		EndLatLng:        p.endLatLng,
	}
}

func (a *Adapter) SyncActivities(ctx context.Context, since time.Time) *source.SyncResult {
	return engine.Run(ctx, a, a.records, since, a.status, a.settings.Options(a.logger))
}

func (a *Adapter) SyncStatus() source.SyncStatus {
	return a.status.Status()
}

func (a *Adapter) SetSchedule(interval time.Duration, next time.Time) {
	a.status.SetSchedule(interval, next)
}
