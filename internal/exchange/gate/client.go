// Package gate implements the Gate.io v4 spot REST client behind core.IExchange.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/pkg/cache"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/ratelimit"
	"scalper/pkg/retry"
)

const (
	defaultBaseURL = "https://api.gateio.ws"
	basePath       = "/api/v4"

	tickerTTL  = 5 * time.Second
	bookTTL    = 5 * time.Second
	candlesTTL = 10 * time.Second
	balanceTTL = 5 * time.Second
	feeTTL     = 5 * time.Minute
)

// Options tunes the client; zero values fall back to safe defaults.
type Options struct {
	BaseURL      string
	HTTPTimeout  time.Duration
	MinNotional  decimal.Decimal
	SafetyMargin decimal.Decimal
	// FallbackFeeRate is used when /wallet/fee is unavailable.
	FallbackFeeRate decimal.Decimal
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 10 * time.Second
	}
	if o.MinNotional.IsZero() {
		o.MinNotional = decimal.NewFromInt(5)
	}
	if o.SafetyMargin.IsZero() {
		o.SafetyMargin = decimal.NewFromFloat(1.15)
	}
	if o.FallbackFeeRate.IsZero() {
		o.FallbackFeeRate = decimal.NewFromFloat(0.002)
	}
}

// Client is the signed spot REST client. All calls are classified, gated by
// the rate limit enforcer and executed through the retry manager.
type Client struct {
	opts       Options
	httpClient *http.Client
	signer     *signer
	classifier *ratelimit.Classifier
	enforcer   *ratelimit.Enforcer
	retrier    *retry.Manager
	cache      *cache.Cache
	logger     core.ILogger
}

// NewClient builds a Gate.io spot client on a pooled transport.
func NewClient(creds config.Credentials, enforcer *ratelimit.Enforcer, retrier *retry.Manager, logger core.ILogger, opts Options) *Client {
	opts.defaults()

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.HTTPTimeout,
		},
		signer:     newSigner(creds),
		classifier: ratelimit.NewClassifier(),
		enforcer:   enforcer,
		retrier:    retrier,
		cache:      cache.New(30*time.Second, balanceTTL),
		logger:     logger.WithField("component", "gate_client"),
	}
}

// Close releases the cache sweeper and idle connections.
func (c *Client) Close() {
	c.cache.Stop()
	c.httpClient.CloseIdleConnections()
}

func (c *Client) GetName() string {
	return "gate"
}

// CheckHealth verifies connectivity against the public server time endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	var out struct {
		ServerTime int64 `json:"server_time"`
	}
	return c.do(ctx, "check_health", http.MethodGet, "/spot/time", nil, nil, false, &out)
}

// GetTicker returns the last traded price, cached for 5 seconds.
func (c *Client) GetTicker(ctx context.Context, pair string) (decimal.Decimal, error) {
	key := "ticker:" + pair
	if v, ok := c.cache.Get(key, tickerTTL); ok {
		return v.(decimal.Decimal), nil
	}

	query := url.Values{"currency_pair": {pair}}
	var out []tickerEntry
	if err := c.do(ctx, "get_ticker", http.MethodGet, "/spot/tickers", query, nil, false, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out) == 0 {
		return decimal.Zero, fmt.Errorf("ticker for %s: %w", pair, apperrors.ErrInvalidPair)
	}

	price, err := decimal.NewFromString(out[0].Last)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker for %s: bad price %q: %w", pair, out[0].Last, err)
	}
	c.cache.Set(key, price)
	return price, nil
}

// GetOrderBook returns the top depth levels, cached for 5 seconds.
func (c *Client) GetOrderBook(ctx context.Context, pair string, depth int) (*core.OrderBook, error) {
	if depth <= 0 {
		depth = 10
	}
	key := fmt.Sprintf("book:%s:%d", pair, depth)
	if v, ok := c.cache.Get(key, bookTTL); ok {
		return v.(*core.OrderBook), nil
	}

	query := url.Values{
		"currency_pair": {pair},
		"limit":         {strconv.Itoa(depth)},
	}
	var out bookResponse
	if err := c.do(ctx, "get_order_book", http.MethodGet, "/spot/order_book", query, nil, false, &out); err != nil {
		return nil, err
	}

	bids, err := parseBookSide(out.Bids)
	if err != nil {
		return nil, fmt.Errorf("order book for %s: %w", pair, err)
	}
	asks, err := parseBookSide(out.Asks)
	if err != nil {
		return nil, fmt.Errorf("order book for %s: %w", pair, err)
	}

	book := &core.OrderBook{Bids: bids, Asks: asks}
	c.cache.Set(key, book)
	return book, nil
}

// GetCandles returns up to limit OHLCV bars, cached for 10 seconds.
func (c *Client) GetCandles(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	if limit <= 0 {
		limit = 20
	}
	key := fmt.Sprintf("candles:%s:%s:%d", pair, interval, limit)
	if v, ok := c.cache.Get(key, candlesTTL); ok {
		return v.([]core.Candle), nil
	}

	query := url.Values{
		"currency_pair": {pair},
		"interval":      {interval},
		"limit":         {strconv.Itoa(limit)},
	}
	var out [][]string
	if err := c.do(ctx, "get_candles", http.MethodGet, "/spot/candlesticks", query, nil, false, &out); err != nil {
		return nil, err
	}

	candles := make([]core.Candle, 0, len(out))
	for _, raw := range out {
		candle, err := parseCandle(raw)
		if err != nil {
			return nil, fmt.Errorf("candles for %s: %w", pair, err)
		}
		candles = append(candles, candle)
	}
	c.cache.Set(key, candles)
	return candles, nil
}

// BestBookPrice picks, between the top two levels on the relevant side, the
// one with the smaller size. Thin levels move less when hit.
func (c *Client) BestBookPrice(ctx context.Context, pair string, side core.Side) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(ctx, pair, 2)
	if err != nil {
		return decimal.Zero, err
	}

	levels := book.Asks
	if side == core.SideSell {
		levels = book.Bids
	}
	switch len(levels) {
	case 0:
		return decimal.Zero, fmt.Errorf("empty %s side for %s: %w", side, pair, apperrors.ErrInvalidPair)
	case 1:
		return levels[0].Price, nil
	}
	if levels[1].Size.LessThan(levels[0].Size) {
		return levels[1].Price, nil
	}
	return levels[0].Price, nil
}

// GetBalance returns the available amount of one asset, cached for 5 seconds.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	key := "balance:" + asset
	if v, ok := c.cache.Get(key, balanceTTL); ok {
		return v.(decimal.Decimal), nil
	}

	query := url.Values{"currency": {asset}}
	var out []accountEntry
	if err := c.do(ctx, "get_balance", http.MethodGet, "/spot/accounts", query, nil, true, &out); err != nil {
		return decimal.Zero, err
	}

	available := decimal.Zero
	for _, entry := range out {
		if entry.Currency == asset {
			available, _ = decimal.NewFromString(entry.Available)
			break
		}
	}
	c.cache.Set(key, available)
	return available, nil
}

// ListBuyFills returns the account's buy-side fills for the pair, most recent
// first as the exchange reports them.
func (c *Client) ListBuyFills(ctx context.Context, pair string) ([]core.Fill, error) {
	key := "fills:" + pair
	if v, ok := c.cache.Get(key, balanceTTL); ok {
		return v.([]core.Fill), nil
	}

	query := url.Values{"currency_pair": {pair}}
	var out []tradeEntry
	if err := c.do(ctx, "list_buy_fills", http.MethodGet, "/spot/my_trades", query, nil, true, &out); err != nil {
		return nil, err
	}

	fills := make([]core.Fill, 0, len(out))
	for _, trade := range out {
		if trade.Side != string(core.SideBuy) {
			continue
		}
		fill, err := trade.toFill()
		if err != nil {
			return nil, fmt.Errorf("fills for %s: %w", pair, err)
		}
		fills = append(fills, fill)
	}
	c.cache.Set(key, fills)
	return fills, nil
}

// EffectiveFeeRate returns the discounted GT rate when the account has the
// discount enabled and enough GT to cover the estimated fee, otherwise the
// normal rate. Market orders pay taker, limit orders maker.
func (c *Client) EffectiveFeeRate(ctx context.Context, orderType core.OrderType, notional decimal.Decimal) (decimal.Decimal, error) {
	fees, err := c.feeInfo(ctx)
	if err != nil {
		c.logger.Warn("Fee lookup failed, using fallback rate", "error", err)
		return c.opts.FallbackFeeRate, nil
	}

	normal, discounted := fees.MakerFee, fees.GTMakerFee
	if orderType == core.OrderTypeMarket {
		normal, discounted = fees.TakerFee, fees.GTTakerFee
	}

	rate, err := decimal.NewFromString(normal)
	if err != nil {
		return c.opts.FallbackFeeRate, nil
	}
	if !fees.GTDiscount {
		return rate, nil
	}

	discountedRate, err := decimal.NewFromString(discounted)
	if err != nil || !discountedRate.IsPositive() {
		return rate, nil
	}
	gtPrice, err := c.GetTicker(ctx, "GT_USDT")
	if err != nil || !gtPrice.IsPositive() {
		return rate, nil
	}
	gtBalance, err := c.GetBalance(ctx, "GT")
	if err != nil {
		return rate, nil
	}

	estimatedFeeGT := notional.Mul(discountedRate).Div(gtPrice)
	if gtBalance.IsPositive() && gtBalance.GreaterThanOrEqual(estimatedFeeGT) {
		return discountedRate, nil
	}
	return rate, nil
}

func (c *Client) feeInfo(ctx context.Context) (*feeResponse, error) {
	if v, ok := c.cache.Get("fee_rates", feeTTL); ok {
		return v.(*feeResponse), nil
	}
	var out feeResponse
	if err := c.do(ctx, "get_fee_rates", http.MethodGet, "/wallet/fee", nil, nil, true, &out); err != nil {
		return nil, err
	}
	c.cache.Set("fee_rates", &out)
	return &out, nil
}

// PlaceSpotOrder submits one order. Sub-minimum orders are refused locally
// before any HTTP request is issued.
func (c *Client) PlaceSpotOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if req.Price.IsPositive() {
		notional := req.Qty.Mul(req.Price)
		floor := c.opts.MinNotional.Mul(c.opts.SafetyMargin)
		if notional.LessThan(floor) {
			return nil, fmt.Errorf("order value %s below minimum %s: %w",
				notional.StringFixed(2), floor.StringFixed(2), apperrors.ErrMinOrderValue)
		}
	}

	body := map[string]interface{}{
		"currency_pair": req.Pair,
		"side":          string(req.Side),
		"type":          string(req.Type),
		"amount":        core.FloorQty(req.Qty).String(),
	}
	if req.Type == core.OrderTypeLimit {
		body["price"] = core.RoundPrice(req.Price).String()
		body["time_in_force"] = "gtc"
	} else {
		body["time_in_force"] = "ioc"
	}

	var out orderResponse
	if err := c.do(ctx, "place_spot_order", http.MethodPost, "/spot/orders", nil, body, true, &out); err != nil {
		return nil, err
	}

	// The order moved funds: drop both asset balances and the fill history.
	c.cache.Delete("balance:" + core.BaseAsset(req.Pair))
	c.cache.Delete("balance:" + core.QuoteAsset(req.Pair))
	c.cache.Delete("fills:" + req.Pair)

	return out.toOrder()
}

// GetOrderStatus fetches one order by id.
func (c *Client) GetOrderStatus(ctx context.Context, pair, orderID string) (*core.Order, error) {
	query := url.Values{"currency_pair": {pair}}
	var out orderResponse
	path := "/spot/orders/" + orderID
	if err := c.do(ctx, "get_order_status", http.MethodGet, path, query, nil, true, &out); err != nil {
		return nil, err
	}
	return out.toOrder()
}

// ListOpenOrders returns the open orders for one pair.
func (c *Client) ListOpenOrders(ctx context.Context, pair string) ([]*core.Order, error) {
	query := url.Values{
		"currency_pair": {pair},
		"status":        {"open"},
	}
	var out []orderResponse
	if err := c.do(ctx, "list_open_orders", http.MethodGet, "/spot/orders", query, nil, true, &out); err != nil {
		return nil, err
	}

	orders := make([]*core.Order, 0, len(out))
	for i := range out {
		order, err := out[i].toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// do classifies the endpoint and runs the request through the retry manager.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	cat := c.classifier.Classify(method, basePath+path)
	return c.retrier.Do(ctx, operation, cat, func(ctx context.Context) error {
		return c.execute(ctx, method, path, query, body, signed, cat, out)
	})
}

func (c *Client) execute(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, cat ratelimit.Category, out interface{}) error {
	fullPath := basePath + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	reqURL := c.opts.BaseURL + fullPath
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if signed {
		c.signer.apply(httpReq, payload)
	}

	c.enforcer.RecordRequest(cat)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, fullPath, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, fullPath, err)
	}

	if resp.StatusCode >= 400 {
		var retryAfter time.Duration
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return parseAPIError(resp.StatusCode, respBody, retryAfter)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, fullPath, err)
		}
	}
	return nil
}
