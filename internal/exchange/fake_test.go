package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/models"
)

const (
	testKey        = "bg_test_key"
	testSecret     = "test_secret"
	testPassphrase = "Zq9x!"
)

var fixedNow = time.UnixMilli(1700000000000)

// fakeExchange минимальная имитация Bitget: считает обращения по путям
type fakeExchange struct {
	*httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	routes map[string]http.HandlerFunc
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	f := &fakeExchange{
		hits:   make(map[string]int),
		routes: make(map[string]http.HandlerFunc),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeExchange) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = h
}

func (f *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	h := f.routes[r.URL.Path]
	f.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeExchange) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func writeEnvelope(w http.ResponseWriter, status int, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":        code,
		"msg":         "success",
		"requestTime": fixedNow.UnixMilli(),
		"data":        data,
	})
}

func serverTimeOK(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, http.StatusOK, SuccessCode, map[string]string{
		"serverTime": strconv.FormatInt(fixedNow.UnixMilli(), 10),
	})
}

func testExchangeConfig(candidates ...models.EndpointCandidate) config.ExchangeConfig {
	return config.ExchangeConfig{
		Credentials: models.Credentials{
			APIKey:     testKey,
			APISecret:  testSecret,
			Passphrase: testPassphrase,
		},
		MarginCoin:       "USDT",
		Endpoints:        candidates,
		ProbeTimeoutMs:   1000,
		RequestTimeoutMs: 2000,
		Retry: config.RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 1,
			MaxBackoffMs:     2,
		},
	}
}

func newTestClient(f *fakeExchange, candidates ...models.EndpointCandidate) *Client {
	return NewClient(testExchangeConfig(candidates...),
		WithHTTPClient(f.Client()),
		WithClock(func() time.Time { return fixedNow }))
}

func v2Candidate(f *fakeExchange) models.EndpointCandidate {
	return models.EndpointCandidate{BaseURL: f.URL, Version: "v2", PathPrefix: "/api/v2"}
}

func v1Candidate(f *fakeExchange) models.EndpointCandidate {
	return models.EndpointCandidate{BaseURL: f.URL, Version: "v1", PathPrefix: "/api/mix/v1"}
}
