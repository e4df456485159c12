package geoloc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classlink/internal/clock"
	"classlink/internal/geo"
)

func TestHTTPProviderStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Code
	}{
		{"forbidden", http.StatusForbidden, "", CodePermissionDenied},
		{"not found", http.StatusNotFound, "", CodeUnavailable},
		{"server error", http.StatusInternalServerError, "boom", CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewHTTP(srv.URL)
			_, err := p.Current(context.Background(), "dev-1")
			var gerr *Error
			if !errors.As(err, &gerr) || gerr.Code != tc.want {
				t.Errorf("err = %v, want code %s", err, tc.want)
			}
		})
	}
}

func TestHTTPProviderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/positions/dev-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"latitude":40.1792,"longitude":44.4991}`))
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL)
	got, err := p.Current(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got.Lat != 40.1792 || got.Lon != 44.4991 {
		t.Errorf("got %+v", got)
	}
}

func TestCachedReusesFreshPosition(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	calls := 0
	inner := providerFunc(func(context.Context, string) (geo.Point, error) {
		calls++
		return geo.Point{Lat: 1, Lon: 2}, nil
	})

	c := NewCached(inner, clk)
	for i := 0; i < 3; i++ {
		if _, err := c.Current(context.Background(), "dev-1"); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("inner called %d times within max age, want 1", calls)
	}

	clk.Advance(DefaultMaxAge + time.Second)
	if _, err := c.Current(context.Background(), "dev-1"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("inner called %d times after expiry, want 2", calls)
	}
}

func TestResolverPendingThenResolved(t *testing.T) {
	release := make(chan struct{})
	inner := providerFunc(func(context.Context, string) (geo.Point, error) {
		<-release
		return geo.Point{Lat: 40.1792, Lon: 44.4991}, nil
	})

	r := NewResolver(inner)
	r.Request("dev-1")

	if p := r.Resolved("dev-1"); p != nil {
		t.Errorf("position resolved while lookup pending: %+v", p)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for r.Resolved("dev-1") == nil {
		select {
		case <-deadline:
			t.Fatal("lookup never resolved")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestResolverFailureStaysNil(t *testing.T) {
	inner := providerFunc(func(context.Context, string) (geo.Point, error) {
		return geo.Point{}, &Error{Code: CodePermissionDenied}
	})
	r := NewResolver(inner)
	r.Request("dev-1")

	deadline := time.After(2 * time.Second)
	for r.LastError("dev-1") == nil {
		select {
		case <-deadline:
			t.Fatal("lookup never failed")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if p := r.Resolved("dev-1"); p != nil {
		t.Errorf("failed lookup still reports a position: %+v", p)
	}
}

type providerFunc func(context.Context, string) (geo.Point, error)

func (f providerFunc) Current(ctx context.Context, subject string) (geo.Point, error) {
	return f(ctx, subject)
}
