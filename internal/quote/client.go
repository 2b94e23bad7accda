package quote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
	"github.com/stockfeed/stockfeed/pkg/telemetry"
)

const (
	domesticPricePath = "/uapi/domestic-stock/v1/quotations/inquire-price"
	foreignPricePath  = "/uapi/overseas-price/v1/quotations/price-detail"
	foreignDailyPath  = "/uapi/overseas-price/v1/quotations/dailyprice"

	trDomesticPrice = "FHKST01010100"
	trForeignPrice  = "HHDFS76200200"
	trForeignDaily  = "HHDFS76240000"
)

// Quote is a current price snapshot for one ticker
type Quote struct {
	Ticker        string
	Exchange      string
	Price         float64
	Change        float64
	ChangePercent float64
	Open          float64
	High          float64
	Low           float64
	Volume        int64
	Currency      string
	FetchedAt     time.Time
}

// envelope is the result wrapper shared by every upstream endpoint
type envelope struct {
	ResultCode  string `json:"rt_cd"`
	MessageCode string `json:"msg_cd"`
	Message     string `json:"msg1"`
}

type domesticResponse struct {
	envelope
	Output struct {
		Price         string `json:"stck_prpr"`
		Change        string `json:"prdy_vrss"`
		ChangePercent string `json:"prdy_ctrt"`
		Open          string `json:"stck_oprc"`
		High          string `json:"stck_hgpr"`
		Low           string `json:"stck_lwpr"`
		Volume        string `json:"acml_vol"`
	} `json:"output"`
}

type foreignResponse struct {
	envelope
	Output struct {
		Last     string `json:"last"`
		Base     string `json:"base"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Volume   string `json:"tvol"`
		Currency string `json:"curr"`
	} `json:"output"`
}

type dailyResponse struct {
	envelope
	Output2 []struct {
		Date  string `json:"xymd"`
		Close string `json:"clos"`
	} `json:"output2"`
}

// Client talks to the brokerage quote API
type Client struct {
	http            *resty.Client
	appKey          string
	appSecret       string
	tokens          *TokenSource
	breaker         *gobreaker.CircuitBreaker
	defaultExchange string
	defaultCurrency string
	retryDelay      time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// New creates a quote client. tokenCache may be nil.
func New(cfg *config.QuoteConfig, tokenCache TokenCache) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("quote_base_url is required")
	}

	logger := logging.WithComponent("quote-client")

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quote-upstream",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// unknown or delisted symbols must not starve the rest of a batch
		IsSuccessful: func(err error) bool {
			return !isOutage(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	client := &Client{
		http:            httpClient,
		appKey:          cfg.AppKey,
		appSecret:       cfg.AppSecret,
		tokens:          NewTokenSource(httpClient, cfg.AppKey, cfg.AppSecret, tokenCache, logger),
		breaker:         breaker,
		defaultExchange: cfg.DefaultExchange,
		defaultCurrency: cfg.DefaultCurrency,
		retryDelay:      500 * time.Millisecond,
		logger:          logger,
		now:             time.Now,
	}
	if client.defaultExchange == "" {
		client.defaultExchange = "NAS"
	}
	if client.defaultCurrency == "" {
		client.defaultCurrency = "USD"
	}

	logger.Info("Quote client initialized", zap.String("url", cfg.BaseURL))
	return client, nil
}

// FetchPrice fetches the current price of ticker. An empty exchange is
// auto-detected from the ticker.
func (c *Client) FetchPrice(ctx context.Context, ticker, exchange string) (*Quote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}

	kind := Kind(ticker)
	if exchange == "" || kind == Domestic {
		exchange = DetectExchange(ticker, c.defaultExchange)
	}
	exchange = strings.ToUpper(exchange)

	ctx, span := telemetry.StartSpan(ctx, "quote.fetch_price")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", ticker),
		attribute.String("exchange", exchange),
		attribute.String("kind", kind.String()),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		if kind == Domestic {
			return c.fetchDomestic(ctx, ticker)
		}
		return c.fetchForeign(ctx, ticker, exchange)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.(*Quote), nil
}

func (c *Client) fetchDomestic(ctx context.Context, ticker string) (*Quote, error) {
	var out domesticResponse
	if err := c.get(ctx, domesticPricePath, trDomesticPrice, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         ticker,
	}, &out, &out.envelope); err != nil {
		return nil, fmt.Errorf("failed to fetch domestic price for %s: %w", ticker, err)
	}

	price := parseFloat(out.Output.Price)
	if price <= 0 {
		return nil, fmt.Errorf("%s: %w", ticker, ErrNotFound)
	}

	return &Quote{
		Ticker:        ticker,
		Exchange:      DomesticExchange,
		Price:         price,
		Change:        parseFloat(out.Output.Change),
		ChangePercent: parseFloat(out.Output.ChangePercent),
		Open:          parseFloat(out.Output.Open),
		High:          parseFloat(out.Output.High),
		Low:           parseFloat(out.Output.Low),
		Volume:        parseInt(out.Output.Volume),
		Currency:      CurrencyFor(DomesticExchange, "KRW"),
		FetchedAt:     c.now(),
	}, nil
}

func (c *Client) fetchForeign(ctx context.Context, ticker, exchange string) (*Quote, error) {
	var out foreignResponse
	if err := c.get(ctx, foreignPricePath, trForeignPrice, map[string]string{
		"AUTH": "",
		"EXCD": exchange,
		"SYMB": upstreamSymbol(ticker),
	}, &out, &out.envelope); err != nil {
		return nil, fmt.Errorf("failed to fetch foreign price for %s/%s: %w", exchange, ticker, err)
	}

	price := parseFloat(out.Output.Last)
	if price <= 0 {
		return nil, fmt.Errorf("%s/%s: %w", exchange, ticker, ErrNotFound)
	}

	q := &Quote{
		Ticker:    ticker,
		Exchange:  exchange,
		Price:     price,
		Open:      parseFloat(out.Output.Open),
		High:      parseFloat(out.Output.High),
		Low:       parseFloat(out.Output.Low),
		Volume:    parseInt(out.Output.Volume),
		Currency:  out.Output.Currency,
		FetchedAt: c.now(),
	}
	if base := parseFloat(out.Output.Base); base > 0 {
		q.Change = price - base
		q.ChangePercent = q.Change / base * 100
	}
	if q.Currency == "" {
		q.Currency = CurrencyFor(exchange, c.defaultCurrency)
	}
	return q, nil
}

// FetchDailyClose returns the closing price of a foreign ticker on or before
// date. Historical lookups are retried once.
func (c *Client) FetchDailyClose(ctx context.Context, ticker, exchange string, date time.Time) (float64, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if exchange == "" {
		exchange = DetectExchange(ticker, c.defaultExchange)
	}

	ctx, span := telemetry.StartSpan(ctx, "quote.fetch_daily_close")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		price, err := c.fetchDailyClose(ctx, ticker, exchange, date)
		if err == nil || errors.Is(err, ErrNotFound) {
			return price, err
		}
		lastErr = err
		if attempt == 1 {
			c.logger.Warn("Daily price fetch failed, retrying once",
				zap.String("ticker", ticker),
				zap.String("exchange", exchange),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	span.RecordError(lastErr)
	return 0, lastErr
}

func (c *Client) fetchDailyClose(ctx context.Context, ticker, exchange string, date time.Time) (float64, error) {
	var out dailyResponse
	if err := c.get(ctx, foreignDailyPath, trForeignDaily, map[string]string{
		"AUTH": "",
		"EXCD": exchange,
		"SYMB": upstreamSymbol(ticker),
		"GUBN": "0",
		"BYMD": date.Format("20060102"),
		"MODP": "1",
	}, &out, &out.envelope); err != nil {
		return 0, err
	}

	target := date.Format("20060102")
	for _, row := range out.Output2 {
		if row.Date <= target {
			if price := parseFloat(row.Close); price > 0 {
				return price, nil
			}
		}
	}
	return 0, fmt.Errorf("%s/%s on %s: %w", exchange, ticker, target, ErrNotFound)
}

// get issues an authenticated GET and decodes the response into out. env must
// point at the envelope embedded in out.
func (c *Client) get(ctx context.Context, path, trID string, params map[string]string, out interface{}, env *envelope) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &tokenError{err: err}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("appkey", c.appKey).
		SetHeader("appsecret", c.appSecret).
		SetHeader("tr_id", trID).
		SetHeader("custtype", "P").
		SetQueryParams(params).
		SetResult(out).
		SetError(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		c.tokens.Reset(ctx)
	}
	if env.ResultCode != "" && env.ResultCode != "0" {
		return &UpstreamError{Code: env.ResultCode, Message: strings.TrimSpace(env.Message), Status: resp.StatusCode()}
	}
	if resp.IsError() {
		return &UpstreamError{Code: fmt.Sprintf("http_%d", resp.StatusCode()), Message: strings.TrimSpace(resp.String()), Status: resp.StatusCode()}
	}
	return nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return int64(parseFloat(s))
	}
	return v
}
