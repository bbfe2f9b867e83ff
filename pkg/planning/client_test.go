package planning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestJitteredBackoffBounds(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		ceiling := baseBackoff << uint(attempt-1)
		if ceiling > maxBackoff {
			ceiling = maxBackoff
		}
		for i := 0; i < 50; i++ {
			d := jitteredBackoff(attempt)
			if d <= 0 {
				t.Fatalf("attempt %d: backoff %v is not positive", attempt, d)
			}
			if d > ceiling+time.Millisecond {
				t.Fatalf("attempt %d: backoff %v exceeds ceiling %v", attempt, d, ceiling)
			}
		}
	}
}

func TestClientTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("bad-token", WithBaseURL(srv.URL))
	_, err := c.GetPage(context.Background(), "page-1")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("GetPage() error = %v, want ErrTokenInvalid", err)
	}
}

func TestClientClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"validation_error"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	_, err := c.GetPage(context.Background(), "page-1")
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("GetPage() error = %v, want ErrPermanent", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"page-1","last_edited_time":"2026-08-01T10:00:00Z","properties":{}}`))
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	page, err := c.GetPage(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.ID != "page-1" {
		t.Errorf("page.ID = %q", page.ID)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if _, err := c.GetPage(context.Background(), "page-1"); err == nil {
		t.Fatal("GetPage() should fail when every attempt errors")
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("server saw %d calls, want %d", got, maxAttempts)
	}
}

func TestUpdateStatusPayload(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Notion-Version"); got != apiVersion {
			t.Errorf("Notion-Version = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"id":"page-1","properties":{}}`))
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	err := c.UpdateStatus(context.Background(), "page-1", StatusUpdate{
		Label:        "Published",
		VideoURL:     "https://youtu.be/abc",
		ErrorMessage: "",
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	props, ok := captured["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload missing properties: %v", captured)
	}
	if _, ok := props["Status"]; !ok {
		t.Error("payload missing Status property")
	}
	if _, ok := props["Video URL"]; !ok {
		t.Error("payload missing Video URL property")
	}
	if _, ok := props["Error Log"]; ok {
		t.Error("empty error message must not write Error Log")
	}
}

func TestQueryDatabaseFollowsCursor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		switch calls.Add(1) {
		case 1:
			if _, ok := body["start_cursor"]; ok {
				t.Error("first query must not carry a cursor")
			}
			w.Write([]byte(`{
				"results":[{"id":"p1","properties":{}}],
				"has_more":true,"next_cursor":"cur-2"}`))
		default:
			if body["start_cursor"] != "cur-2" {
				t.Errorf("start_cursor = %v, want cur-2", body["start_cursor"])
			}
			w.Write([]byte(`{"results":[{"id":"p2","properties":{}}],"has_more":false}`))
		}
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	pages, err := c.QueryDatabase(context.Background(), "db-1")
	if err != nil {
		t.Fatalf("QueryDatabase() error = %v", err)
	}
	if len(pages) != 2 || pages[0].ID != "p1" || pages[1].ID != "p2" {
		t.Errorf("pages = %+v, want p1 then p2", pages)
	}
}

func TestClientsShareProcessLimiter(t *testing.T) {
	a := NewClient("tok-a")
	b := NewClient("tok-b")
	if a.limiter != b.limiter {
		t.Fatal("two default clients hold different limiters")
	}
	if a.limiter != processLimiter {
		t.Fatal("default client does not use the process limiter")
	}
}

// Two clients drawing on one limiter stay under the combined ceiling: six
// requests against a burst of three at 3/s cannot finish before the fourth
// token has been minted.
func TestSharedLimiterCapsCombinedRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"page-1","properties":{}}`))
	}))
	defer srv.Close()

	lim := rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	a := NewClient("tok-a", WithBaseURL(srv.URL), WithLimiter(lim))
	b := NewClient("tok-b", WithBaseURL(srv.URL), WithLimiter(lim))

	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, 6)
	for i := 0; i < 6; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetPage(context.Background(), "page-1")
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("GetPage() error = %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < 800*time.Millisecond {
		t.Errorf("six requests across two clients finished in %v; the shared limiter should have held them back", elapsed)
	}
}

func TestClampText(t *testing.T) {
	if got := clampText("hello", 10); got != "hello" {
		t.Errorf("clampText under limit = %q", got)
	}
	if got := clampText("hello world", 5); got != "hello" {
		t.Errorf("clampText over limit = %q", got)
	}
}
