package nike

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/source"
)

func nikeRun(id string, startMs int64, tags map[string]string) Activity {
	return Activity{
		ID:               id,
		Type:             "run",
		StartEpochMs:     startMs,
		EndEpochMs:       startMs + 1_900_000,
		ActiveDurationMs: 1_800_000,
		Tags:             tags,
		Summaries: []Summary{
			{Metric: "distance", Summary: "total", Value: 5.4},
			{Metric: "calories", Summary: "total", Value: 410},
			{Metric: "heart_rate", Summary: "mean", Value: 151},
		},
	}
}

func newNikeServer(t *testing.T, pages map[string]ActivityPage, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		p, ok := pages[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(p)
	}))
}

func TestNormalize(t *testing.T) {
	start := time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC).UnixMilli()
	a := Normalize(nikeRun("abc", start, map[string]string{"com.nike.name": "Saturday Run"}))

	assert.Equal(t, "abc", a.ExternalID)
	assert.Equal(t, activity.SourceNike, a.Source)
	assert.Equal(t, "Saturday Run", a.Name)
	assert.Equal(t, activity.TypeRun, a.Type)
	require.NotNil(t, a.Distance)
	assert.InDelta(t, 5400.0, *a.Distance, 0.001)
	require.NotNil(t, a.MovingTime)
	assert.Equal(t, 1800, *a.MovingTime)
	require.NotNil(t, a.ElapsedTime)
	assert.Equal(t, 1900, *a.ElapsedTime)
	require.NotNil(t, a.AverageSpeed)
	assert.InDelta(t, 3.0, *a.AverageSpeed, 0.001)
	require.NotNil(t, a.AverageHeartrate)
	assert.Nil(t, a.MaxHeartrate)
	assert.Nil(t, a.ElevationGain)
	assert.True(t, a.StartDate.Equal(time.UnixMilli(start)))
	assert.True(t, a.StartDateLocal.IsZero(), "payload has no zone, local start must stay unset")
	assert.Empty(t, a.Timezone)
}

func TestNormalizeIndoorRun(t *testing.T) {
	a := Normalize(nikeRun("t1", 0, map[string]string{"location": "indoors"}))
	assert.Equal(t, "treadmill_run", a.RawType)
	assert.Equal(t, activity.TypeRun, a.Type)
	assert.Equal(t, "Nike Run", a.Name)
}

func TestFetchFollowsAfterIDCursor(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first := "/sport/v3/me/activities/after_time/" + "1709251200000"
	pages := map[string]ActivityPage{
		first: {
			Activities: []Activity{nikeRun("a1", since.UnixMilli()+1, nil), nikeRun("a2", since.UnixMilli()+2, nil)},
			Paging:     Paging{AfterID: "cursor-1"},
		},
		"/sport/v3/me/activities/after_id/cursor-1": {
			Activities: []Activity{nikeRun("a3", since.UnixMilli()+3, nil), {ID: "gone", Type: "run", IsDeleted: true}},
		},
	}
	var hits atomic.Int32
	srv := newNikeServer(t, pages, 0, &hits)
	defer srv.Close()

	a := New(Options{ID: "nike", Config: config.NikeSourceConfig{AccessToken: "bearer", BaseURL: srv.URL}})
	assert.Equal(t, "access_token", a.AuthKind())

	acts, err := a.FetchActivities(context.Background(), source.FetchOptions{Since: since})
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, "a3", acts[2].ExternalID)
	assert.EqualValues(t, 2, hits.Load())
}

func TestAccessTokenUnauthorizedIsAuthError(t *testing.T) {
	var hits atomic.Int32
	srv := newNikeServer(t, nil, http.StatusUnauthorized, &hits)
	defer srv.Close()

	a := New(Options{ID: "nike", Config: config.NikeSourceConfig{AccessToken: "expired-upstream", BaseURL: srv.URL}})

	_, err := a.FetchActivities(context.Background(), source.FetchOptions{})
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err), "got %v", err)
	assert.EqualValues(t, 1, hits.Load(), "an access token is never refreshed")
}

func TestExpiredAccessTokenFailsAuthentication(t *testing.T) {
	a := New(Options{ID: "nike", Config: config.NikeSourceConfig{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
	}})

	_, err := a.Authenticate(context.Background())
	assert.True(t, source.IsAuthError(err), "got %v", err)
	assert.False(t, a.TestConnection(context.Background()))
}

func TestRefreshTokenMode(t *testing.T) {
	var tokenHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			tokenHits.Add(1)
			r.ParseForm()
			if r.PostForm.Get("client_id") != "nike-client" || r.PostForm.Get("refresh_token") != "rt" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"minted","token_type":"Bearer","expires_in":3600}`))
		case strings.HasPrefix(r.URL.Path, "/sport/"):
			if r.Header.Get("Authorization") != "Bearer minted" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"activities":[],"paging":{}}`))
		}
	}))
	defer srv.Close()

	var persisted *source.Token
	a := New(Options{
		ID: "nike",
		Config: config.NikeSourceConfig{
			RefreshToken: "rt",
			ClientID:     "nike-client",
			BaseURL:      srv.URL,
			TokenURL:     srv.URL + "/token",
		},
		OnToken: func(tok *source.Token) { persisted = tok },
	})
	assert.Equal(t, "refresh_token", a.AuthKind())
	assert.Nil(t, a.CurrentToken())

	tok, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "minted", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken, "unrotated refresh token is carried over")
	require.NotNil(t, persisted)

	assert.True(t, a.TestConnection(context.Background()))
	assert.EqualValues(t, 1, tokenHits.Load())
}

func TestInvalidConfigFailsAtAuthenticate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.NikeSourceConfig
		field string
	}{
		{"none", config.NikeSourceConfig{}, "auth"},
		{"both", config.NikeSourceConfig{AccessToken: "a", RefreshToken: "r"}, "auth"},
		{"refresh without client", config.NikeSourceConfig{RefreshToken: "r"}, "client_id"},
		{"bad base url", config.NikeSourceConfig{AccessToken: "a", BaseURL: "ftp://nike"}, "base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Options{ID: "nike", Config: tt.cfg, Records: &countingStore{}})
			var ce *source.ConfigurationError
			require.True(t, errors.As(a.Validate(), &ce), "got %v", a.Validate())
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, "nike", ce.Source)

			_, err := a.Authenticate(context.Background())
			assert.Same(t, ce, err)
			assert.Nil(t, a.CurrentToken())
			assert.False(t, a.TestConnection(context.Background()))

			res := a.SyncActivities(context.Background(), time.Time{})
			assert.False(t, res.Success)
			require.Len(t, res.Errors, 1)
			assert.Contains(t, res.Errors[0], tt.field)
		})
	}
}

func TestClientRetriesAfterTooManyRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"activities":[{"id":"x","type":"run"}],"paging":{}}`))
	}))
	defer srv.Close()

	c := NewClient("nike", srv.URL, srv.Client(), 10, 10*time.Millisecond, nil)
	p, err := c.ActivitiesAfterTime(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, p.Activities, 1)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	assert.True(t, retryAfter(h, now).IsZero())
	h.Set("Retry-After", "30")
	assert.Equal(t, now.Add(30*time.Second), retryAfter(h, now))
	h.Set("Retry-After", "soon")
	assert.True(t, retryAfter(h, now).IsZero())
}

func TestSyncActivitiesSkipsAuthWhileTokenValid(t *testing.T) {
	pages := map[string]ActivityPage{
		"/sport/v3/me/activities/after_time/0": {Activities: []Activity{nikeRun("r1", 1000, nil)}},
	}
	var hits atomic.Int32
	srv := newNikeServer(t, pages, 0, &hits)
	defer srv.Close()

	records := &countingStore{}
	a := New(Options{
		ID:       "nike",
		Config:   config.NikeSourceConfig{AccessToken: "bearer", BaseURL: srv.URL},
		Records:  records,
		Settings: engine.Settings{RequestTimeout: 5 * time.Second},
	})

	res := a.SyncActivities(context.Background(), time.Time{})
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.ActivitiesAdded)
	assert.Equal(t, 1, records.inserts)
}

// countingStore is a minimal engine.RecordStore.
type countingStore struct {
	inserts int
	byKey   map[string]*activity.Activity
}

func (s *countingStore) FindByExternalID(_ context.Context, externalID, src string) (*activity.Activity, error) {
	return s.byKey[src+":"+externalID], nil
}

func (s *countingStore) Insert(_ context.Context, a *activity.Activity) (int64, error) {
	if s.byKey == nil {
		s.byKey = make(map[string]*activity.Activity)
	}
	s.inserts++
	cp := *a
	cp.ID = int64(s.inserts)
	s.byKey[a.Key()] = &cp
	return cp.ID, nil
}

func (s *countingStore) Update(_ context.Context, id int64, a *activity.Activity) error {
	cp := *a
	cp.ID = id
	s.byKey[a.Key()] = &cp
	return nil
}
