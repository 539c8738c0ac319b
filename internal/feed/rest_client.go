package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/subha-wp/trading-app/internal/models"
)

type RESTConfig struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimit    int
	Burst        int
	LookupWindow time.Duration
}

func DefaultRESTConfig() *RESTConfig {
	return &RESTConfig{
		BaseURL:      "https://api.binance.com",
		Timeout:      10 * time.Second,
		RateLimit:    1200,
		Burst:        10,
		LookupWindow: time.Minute,
	}
}

// RESTClient is the Binance REST fallback for snapshots and late resolutions.
type RESTClient struct {
	baseURL      string
	httpClient   *http.Client
	rateLimiter  *rate.Limiter
	lookupWindow time.Duration
	now          func() time.Time
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type aggTradeResponse struct {
	ID        int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func NewRESTClient(config *RESTConfig) *RESTClient {
	if config == nil {
		config = DefaultRESTConfig()
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 1200
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.LookupWindow <= 0 {
		config.LookupWindow = time.Minute
	}

	return &RESTClient{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: config.Timeout},
		rateLimiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RateLimit)), config.Burst),
		lookupWindow: config.LookupWindow,
		now:          time.Now,
	}
}

func (c *RESTClient) LatestPrice(ctx context.Context, symbol string) (*models.PriceTick, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	data, err := c.makeRequest(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return nil, err
	}

	var response tickerPriceResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to parse ticker response: %w", err)
	}

	price, err := decimal.NewFromString(response.Price)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("%w: %q", errInvalidTradePrice, response.Price)
	}

	return &models.PriceTick{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Timestamp: c.now(),
		Source:    models.PriceSourceREST,
	}, nil
}

// FirstTradeAfter returns the first aggregate trade at or after notBefore,
// searching LookupWindow forward.
func (c *RESTClient) FirstTradeAfter(ctx context.Context, symbol string, notBefore time.Time) (*models.PriceTick, error) {
	start := notBefore.UnixMilli()

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("startTime", strconv.FormatInt(start, 10))
	params.Set("endTime", strconv.FormatInt(start+c.lookupWindow.Milliseconds(), 10))
	params.Set("limit", "1")

	data, err := c.makeRequest(ctx, "/api/v3/aggTrades", params)
	if err != nil {
		return nil, err
	}

	var trades []aggTradeResponse
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("failed to parse aggTrades response: %w", err)
	}

	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: no trades for %s after %s", ErrPriceUnavailable, symbol, notBefore.Format(time.RFC3339))
	}

	price, err := decimal.NewFromString(trades[0].Price)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("%w: %q", errInvalidTradePrice, trades[0].Price)
	}

	return &models.PriceTick{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Timestamp: time.UnixMilli(trades[0].TradeTime),
		Source:    models.PriceSourceREST,
	}, nil
}

func (c *RESTClient) makeRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return nil, fmt.Errorf("binance %s returned %d: %s (code %d)", endpoint, resp.StatusCode, apiErr.Msg, apiErr.Code)
		}
		return nil, fmt.Errorf("binance %s returned %d", endpoint, resp.StatusCode)
	}

	return body, nil
}
