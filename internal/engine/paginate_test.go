package engine

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/BadgerOps/fitsync/internal/safety"
	"github.com/BadgerOps/fitsync/internal/source"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func pageOpts() PaginateOptions {
	return PaginateOptions{SourceID: "test", Retries: 3, Logger: testLogger(), Sleep: noSleep}
}

func TestPaginateFollowsCursor(t *testing.T) {
	var cursors []string
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		cursors = append(cursors, cursor)
		if page == 3 {
			return Page[int]{Items: []int{5}}, nil
		}
		return Page[int]{Items: []int{page*2 - 1, page * 2}, HasMore: true, Next: "c" + strconv.Itoa(page)}, nil
	}

	items, err := Paginate(context.Background(), pageOpts(), fetch)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(items) != 5 {
		t.Errorf("items = %v, want 5", items)
	}
	want := []string{"", "c1", "c2"}
	for i := range want {
		if cursors[i] != want[i] {
			t.Errorf("cursor[%d] = %q, want %q", i, cursors[i], want[i])
		}
	}
}

func TestPaginateStopsAtPageCeiling(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		calls++
		return Page[int]{Items: []int{page}, HasMore: true}, nil
	}
	opts := pageOpts()
	opts.MaxPages = 4

	items, err := Paginate(context.Background(), opts, fetch)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if calls != 4 || len(items) != 4 {
		t.Errorf("calls = %d items = %d, want 4/4", calls, len(items))
	}
}

func TestPaginateRetriesTransientPage(t *testing.T) {
	attempts := map[int]int{}
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		attempts[page]++
		if page == 2 && attempts[page] < 3 {
			return Page[int]{}, &safety.HTTPError{StatusCode: http.StatusBadGateway}
		}
		return Page[int]{Items: []int{page}, HasMore: page < 3}, nil
	}

	items, err := Paginate(context.Background(), pageOpts(), fetch)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("items = %v, want 3", items)
	}
	if attempts[1] != 1 {
		t.Errorf("page 1 fetched %d times, want 1 (no whole-fetch restart)", attempts[1])
	}
	if attempts[2] != 3 {
		t.Errorf("page 2 fetched %d times, want 3", attempts[2])
	}
}

func TestPaginateReturnsPartialOnExhaustion(t *testing.T) {
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		if page == 3 {
			return Page[int]{}, &source.TransientFetchError{Source: "test", Err: errors.New("timeout")}
		}
		return Page[int]{Items: []int{page, page}, HasMore: true}, nil
	}

	items, err := Paginate(context.Background(), pageOpts(), fetch)
	var fie *source.FetchIncompleteError
	if !errors.As(err, &fie) {
		t.Fatalf("err = %v, want FetchIncompleteError", err)
	}
	if fie.Page != 3 || fie.Fetched != 4 {
		t.Errorf("incomplete at page %d after %d, want 3/4", fie.Page, fie.Fetched)
	}
	if len(items) != 4 {
		t.Errorf("kept %d items, want 4", len(items))
	}
	if !source.IsTransient(err) {
		t.Error("cause should be preserved")
	}
}

func TestPaginateDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		calls++
		return Page[int]{}, &safety.HTTPError{StatusCode: http.StatusBadRequest}
	}

	_, err := Paginate(context.Background(), pageOpts(), fetch)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPaginateAuthErrorOnFirstPage(t *testing.T) {
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		return Page[int]{}, &source.AuthError{Source: "test", Reason: "401"}
	}

	items, err := Paginate(context.Background(), pageOpts(), fetch)
	if !source.IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	var fie *source.FetchIncompleteError
	if errors.As(err, &fie) {
		t.Error("auth failure on first page should not be wrapped as incomplete")
	}
	if items != nil {
		t.Errorf("items = %v, want nil", items)
	}
}

func TestPaginateStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context, page int, cursor string) (Page[int], error) {
		if page == 2 {
			cancel()
			return Page[int]{}, &safety.HTTPError{StatusCode: http.StatusServiceUnavailable}
		}
		return Page[int]{Items: []int{page}, HasMore: true}, nil
	}
	opts := pageOpts()
	opts.Sleep = sleepCtx

	items, err := Paginate(ctx, opts, fetch)
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if len(items) != 1 {
		t.Errorf("items = %v, want first page only", items)
	}
}
