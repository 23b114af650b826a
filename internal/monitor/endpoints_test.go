package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeEndpointCache struct {
	online  map[string][]OnlineWorker
	counts  map[int]int64
	total   int64
	totalOK bool
}

func newFakeEndpointCache() *fakeEndpointCache {
	return &fakeEndpointCache{counts: make(map[int]int64)}
}

func (f *fakeEndpointCache) SetOnlineWorkers(_ context.Context, byUser map[string][]OnlineWorker, _ time.Duration) error {
	f.online = byUser
	return nil
}

func (f *fakeEndpointCache) SetStratumCount(_ context.Context, endpoint int, count int64, _ time.Duration) error {
	f.counts[endpoint] = count
	return nil
}

func (f *fakeEndpointCache) SetTotalWorkers(_ context.Context, total int64, _ time.Duration) error {
	f.total = total
	f.totalOK = true
	return nil
}

func TestPollOnlineWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clients" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"clients":{"userA":[{"worker":"rig1"},{"worker":"rig2"}],"userB":[{"worker":""}]}}`))
	}))
	defer srv.Close()

	cache := newFakeEndpointCache()
	poller := NewPoller([]string{srv.URL}, cache, testLogger())

	if err := poller.PollOnlineWorkers(context.Background()); err != nil {
		t.Fatalf("PollOnlineWorkers() error = %v", err)
	}

	if len(cache.online["userA"]) != 2 {
		t.Errorf("userA workers = %d, want 2", len(cache.online["userA"]))
	}
	if cache.online["userA"][0].Endpoint != 0 {
		t.Errorf("endpoint index = %d, want 0", cache.online["userA"][0].Endpoint)
	}
	if len(cache.online["userB"]) != 1 {
		t.Errorf("userB workers = %d, want 1", len(cache.online["userB"]))
	}
}

func TestPollServerStatus_EndpointIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"stratum_clients":42}`))
	}))
	defer srv.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	cache := newFakeEndpointCache()
	poller := NewPoller([]string{srv.URL, down.URL}, cache, testLogger())

	if err := poller.PollServerStatus(context.Background()); err != nil {
		t.Fatalf("PollServerStatus() error = %v", err)
	}

	if cache.counts[0] != 42 {
		t.Errorf("endpoint 0 count = %d, want 42", cache.counts[0])
	}
	if _, ok := cache.counts[1]; ok {
		t.Error("failing endpoint should not be cached")
	}
	if !cache.totalOK || cache.total != 42 {
		t.Errorf("total = %d (cached %v), want 42", cache.total, cache.totalOK)
	}
}

func TestPollOnlineWorkers_AllEndpointsDown(t *testing.T) {
	cache := newFakeEndpointCache()
	poller := NewPoller([]string{"http://127.0.0.1:1"}, cache, testLogger())

	// Unreachable endpoints still refresh the cache with an empty view.
	if err := poller.PollOnlineWorkers(context.Background()); err != nil {
		t.Fatalf("PollOnlineWorkers() error = %v", err)
	}
	if len(cache.online) != 0 {
		t.Errorf("online = %v, want empty", cache.online)
	}
}
