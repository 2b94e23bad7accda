package quote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stockfeed/stockfeed/pkg/config"
)

type fakeUpstream struct {
	t          *testing.T
	tokens     int32
	dailyCalls int32
	failDaily  int32
	expiresIn  int64
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokens, 1)
		expiresIn := f.expiresIn
		if expiresIn == 0 {
			expiresIn = 86400
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"access_token":"tok-1","token_type":"Bearer","expires_in":%d}`, expiresIn))
	})
	mux.HandleFunc(domesticPricePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			writeJSON(w, http.StatusUnauthorized, `{"rt_cd":"1","msg1":"invalid token"}`)
			return
		}
		if r.Header.Get("tr_id") != trDomesticPrice {
			f.t.Errorf("unexpected tr_id %q", r.Header.Get("tr_id"))
		}
		switch r.URL.Query().Get("FID_INPUT_ISCD") {
		case "005930":
			writeJSON(w, http.StatusOK, `{"rt_cd":"0","msg1":"OK","output":{"stck_prpr":"71500","prdy_vrss":"-500","prdy_ctrt":"-0.69","stck_oprc":"72000","stck_hgpr":"72300","stck_lwpr":"71100","acml_vol":"12345678"}}`)
		case "999999":
			writeJSON(w, http.StatusOK, `{"rt_cd":"0","msg1":"OK","output":{"stck_prpr":"0"}}`)
		default:
			writeJSON(w, http.StatusInternalServerError, `{"rt_cd":"1","msg_cd":"EGW00201","msg1":"rate limit exceeded"}`)
		}
	})
	mux.HandleFunc(foreignPricePath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("EXCD") == "NAS" && q.Get("SYMB") == "AAPL" {
			writeJSON(w, http.StatusOK, `{"rt_cd":"0","output":{"last":"190.50","base":"188.00","open":"189.00","high":"191.20","low":"188.40","tvol":"5500000","curr":""}}`)
			return
		}
		if q.Get("EXCD") == "NYS" && q.Get("SYMB") == "BRK/B" {
			writeJSON(w, http.StatusOK, `{"rt_cd":"0","output":{"last":"410","base":"400","curr":"USD"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"rt_cd":"7","msg1":"no such symbol"}`)
	})
	mux.HandleFunc(foreignDailyPath, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.dailyCalls, 1)
		if n <= atomic.LoadInt32(&f.failDaily) {
			writeJSON(w, http.StatusBadGateway, `{"rt_cd":"1","msg1":"temporarily unavailable"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"rt_cd":"0","output2":[{"xymd":"20240105","clos":"181.18"},{"xymd":"20240104","clos":"181.91"},{"xymd":"20240103","clos":"184.25"}]}`)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type memoryTokenCache struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryTokenCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", errors.New("miss")
	}
	return v, nil
}

func (m *memoryTokenCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.(string)
	return nil
}

func (m *memoryTokenCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func newTestClient(t *testing.T, upstream *fakeUpstream, tokens TokenCache) *Client {
	t.Helper()
	srv := httptest.NewServer(upstream.handler())
	t.Cleanup(srv.Close)

	client, err := New(&config.QuoteConfig{
		BaseURL:         srv.URL,
		AppKey:          "key",
		AppSecret:       "secret",
		Timeout:         2 * time.Second,
		DefaultExchange: "NAS",
		DefaultCurrency: "USD",
	}, tokens)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.retryDelay = time.Millisecond
	return client
}

func TestFetchPriceDomestic(t *testing.T) {
	upstream := &fakeUpstream{t: t}
	client := newTestClient(t, upstream, nil)

	q, err := client.FetchPrice(context.Background(), "005930", "")
	if err != nil {
		t.Fatalf("FetchPrice() error = %v", err)
	}
	if q.Price != 71500 || q.Change != -500 || q.ChangePercent != -0.69 {
		t.Errorf("unexpected quote values: %+v", q)
	}
	if q.Exchange != DomesticExchange || q.Currency != "KRW" {
		t.Errorf("Expected KRX/KRW, got %s/%s", q.Exchange, q.Currency)
	}
	if q.Volume != 12345678 || q.High != 72300 || q.Low != 71100 || q.Open != 72000 {
		t.Errorf("unexpected OHLCV: %+v", q)
	}

	// token is reused for subsequent calls
	if _, err := client.FetchPrice(context.Background(), "005930", ""); err != nil {
		t.Fatalf("second FetchPrice() error = %v", err)
	}
	if n := atomic.LoadInt32(&upstream.tokens); n != 1 {
		t.Errorf("Expected one token request, got %d", n)
	}
}

func TestFetchPriceForeign(t *testing.T) {
	client := newTestClient(t, &fakeUpstream{t: t}, nil)

	q, err := client.FetchPrice(context.Background(), "aapl", "")
	if err != nil {
		t.Fatalf("FetchPrice() error = %v", err)
	}
	if q.Ticker != "AAPL" || q.Exchange != "NAS" {
		t.Errorf("Expected NAS:AAPL, got %s:%s", q.Exchange, q.Ticker)
	}
	if q.Price != 190.5 || q.Change != 2.5 {
		t.Errorf("unexpected price/change: %v/%v", q.Price, q.Change)
	}
	if q.Currency != "USD" {
		t.Errorf("Expected default currency USD, got %s", q.Currency)
	}

	q, err = client.FetchPrice(context.Background(), "BRK.B", "")
	if err != nil {
		t.Fatalf("FetchPrice(BRK.B) error = %v", err)
	}
	if q.Exchange != "NYS" || q.Change != 10 || q.Currency != "USD" {
		t.Errorf("unexpected BRK.B quote: %+v", q)
	}
}

func TestFetchPriceErrors(t *testing.T) {
	client := newTestClient(t, &fakeUpstream{t: t}, nil)
	ctx := context.Background()

	_, err := client.FetchPrice(ctx, "000660", "")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if ue.Code != "1" || ue.Message != "rate limit exceeded" {
		t.Errorf("unexpected upstream error: %+v", ue)
	}

	_, err = client.FetchPrice(ctx, "ZZZZ", "NAS")
	if !IsUpstream(err) {
		t.Errorf("Expected upstream error for unknown symbol, got %v", err)
	}

	_, err = client.FetchPrice(ctx, "999999", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for zero price, got %v", err)
	}

	if _, err := client.FetchPrice(ctx, "  ", ""); err == nil {
		t.Error("Expected error for empty ticker")
	}
}

func TestBreakerIgnoresUnknownSymbols(t *testing.T) {
	client := newTestClient(t, &fakeUpstream{t: t}, nil)
	ctx := context.Background()

	succeeded, failed := 0, 0
	for _, ticker := range []string{"ZZA", "ZZB", "ZZC", "ZZD", "ZZE", "AAPL"} {
		if _, err := client.FetchPrice(ctx, ticker, "NAS"); err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				t.Fatalf("FetchPrice(%s) rejected by open breaker", ticker)
			}
			failed++
			continue
		}
		succeeded++
	}
	if succeeded != 1 || failed != 5 {
		t.Errorf("Expected {succeeded: 1, failed: 5}, got {%d, %d}", succeeded, failed)
	}
	if st := client.breaker.State(); st != gobreaker.StateClosed {
		t.Errorf("Expected breaker closed, got %s", st)
	}
}

func TestBreakerOpensOnOutage(t *testing.T) {
	client := newTestClient(t, &fakeUpstream{t: t}, nil)
	ctx := context.Background()

	// unknown domestic codes answer 500
	for i := 0; i < 5; i++ {
		if _, err := client.FetchPrice(ctx, "000660", ""); err == nil {
			t.Fatal("Expected upstream failure")
		}
	}
	if _, err := client.FetchPrice(ctx, "005930", ""); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open breaker after repeated 5xx, got %v", err)
	}
}

func TestIsOutage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", fmt.Errorf("AAPL: %w", ErrNotFound), false},
		{"unknown symbol", &UpstreamError{Code: "7", Message: "no such symbol", Status: http.StatusOK}, false},
		{"bad request", &UpstreamError{Code: "http_400", Status: http.StatusBadRequest}, false},
		{"throttled", &UpstreamError{Code: "http_429", Status: http.StatusTooManyRequests}, true},
		{"server error", fmt.Errorf("wrapped: %w", &UpstreamError{Code: "1", Status: http.StatusBadGateway}), true},
		{"token", &tokenError{err: &UpstreamError{Code: "http_403", Status: http.StatusForbidden}}, true},
		{"transport", errors.New("request failed: connection refused"), true},
		{"cancelled", fmt.Errorf("request failed: %w", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isOutage(tt.err); got != tt.want {
				t.Errorf("isOutage(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSharedTokenCache(t *testing.T) {
	upstream := &fakeUpstream{t: t}
	shared := &memoryTokenCache{values: map[string]string{}}

	first := newTestClient(t, upstream, shared)
	if _, err := first.FetchPrice(context.Background(), "005930", ""); err != nil {
		t.Fatalf("FetchPrice() error = %v", err)
	}

	second := newTestClient(t, upstream, shared)
	if _, err := second.FetchPrice(context.Background(), "005930", ""); err != nil {
		t.Fatalf("FetchPrice() error = %v", err)
	}
	if n := atomic.LoadInt32(&upstream.tokens); n != 1 {
		t.Errorf("Expected shared token to be reused, got %d token requests", n)
	}
}

func TestReuseWindow(t *testing.T) {
	tests := []struct {
		lifetime time.Duration
		want     time.Duration
	}{
		{24 * time.Hour, 24*time.Hour - tokenLeeway},
		{tokenLeeway, tokenLeeway / 2},
		{time.Minute, 30 * time.Second},
		{0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.lifetime.String(), func(t *testing.T) {
			if got := reuseWindow(tt.lifetime); got != tt.want {
				t.Errorf("reuseWindow(%v) = %v, want %v", tt.lifetime, got, tt.want)
			}
		})
	}
}

func TestShortLivedTokenNotReusedPastExpiry(t *testing.T) {
	upstream := &fakeUpstream{t: t, expiresIn: 60}
	client := newTestClient(t, upstream, nil)

	now := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)
	client.tokens.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := client.tokens.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	now = now.Add(20 * time.Second)
	if _, err := client.tokens.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if n := atomic.LoadInt32(&upstream.tokens); n != 1 {
		t.Fatalf("Expected token reused within its window, got %d requests", n)
	}

	now = now.Add(20 * time.Second)
	if _, err := client.tokens.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if n := atomic.LoadInt32(&upstream.tokens); n != 2 {
		t.Errorf("Expected a new token after half the lifetime, got %d requests", n)
	}
}

func TestFetchDailyCloseRetriesOnce(t *testing.T) {
	date := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)

	upstream := &fakeUpstream{t: t, failDaily: 1}
	client := newTestClient(t, upstream, nil)
	price, err := client.FetchDailyClose(context.Background(), "AAPL", "NAS", date)
	if err != nil {
		t.Fatalf("FetchDailyClose() error = %v", err)
	}
	if price != 181.91 {
		t.Errorf("Expected close on 2024-01-04 of 181.91, got %v", price)
	}
	if n := atomic.LoadInt32(&upstream.dailyCalls); n != 2 {
		t.Errorf("Expected 2 calls (one retry), got %d", n)
	}

	upstream = &fakeUpstream{t: t, failDaily: 5}
	client = newTestClient(t, upstream, nil)
	if _, err := client.FetchDailyClose(context.Background(), "AAPL", "NAS", date); err == nil {
		t.Error("Expected error after the single retry failed")
	}
	if n := atomic.LoadInt32(&upstream.dailyCalls); n != 2 {
		t.Errorf("Expected exactly 2 calls, got %d", n)
	}
}

func TestFetchDailyCloseBeforeHistory(t *testing.T) {
	client := newTestClient(t, &fakeUpstream{t: t}, nil)
	_, err := client.FetchDailyClose(context.Background(), "AAPL", "NAS", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
