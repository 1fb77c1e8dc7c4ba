package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/internal/config"
	"scalper/internal/core"
	apperrors "scalper/pkg/errors"
	"scalper/pkg/logging"
	"scalper/pkg/ratelimit"
	"scalper/pkg/retry"
)

type noopSleeper struct{}

func (noopSleeper) Sleep(context.Context, time.Duration, core.SleepContext, bool) bool { return true }
func (noopSleeper) AdaptiveSleep(context.Context, time.Duration, int, core.SleepContext) bool {
	return true
}
func (noopSleeper) ConditionalSleep(context.Context, time.Duration, func() bool, time.Duration) bool {
	return true
}
func (noopSleeper) CircuitBreakerSleep(context.Context, int) bool      { return true }
func (noopSleeper) RateLimitSleep(context.Context, time.Duration) bool { return true }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logging.GetGlobalLogger()
	enforcer := ratelimit.NewEnforcer(logger)
	policy := retry.Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		ExponentialBase:   2.0,
		BackoffMultiplier: 1.0,
	}
	retrier := retry.NewManager(policy, noopSleeper{}, enforcer, nil, nil, logger)

	client := NewClient(
		config.Credentials{APIKey: "test-key", SecretKey: "test-secret"},
		enforcer, retrier, logger,
		Options{BaseURL: server.URL},
	)
	t.Cleanup(client.Close)
	return client, server
}

func TestGetTicker_ParsesAndCaches(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/v4/spot/tickers", r.URL.Path)
		assert.Equal(t, "BTC_USDT", r.URL.Query().Get("currency_pair"))
		w.Write([]byte(`[{"currency_pair":"BTC_USDT","last":"20000.5","lowest_ask":"20001","highest_bid":"20000"}]`))
	}))

	price, err := client.GetTicker(context.Background(), "BTC_USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("20000.5")))

	// Second call inside the TTL is served from cache.
	_, err = client.GetTicker(context.Background(), "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetOrderBook_ParsesLevels(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[["19999","0.5"],["19998","2.0"]],"asks":[["20001","1.2"],["20002","0.1"]]}`))
	}))

	book, err := client.GetOrderBook(context.Background(), "BTC_USDT", 2)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 2)
	assert.True(t, book.Bids[0].Price.Equal(decimal.RequireFromString("19999")))
	assert.True(t, book.Asks[1].Size.Equal(decimal.RequireFromString("0.1")))
}

func TestBestBookPrice_PrefersSmallerSize(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[["19999","0.5"],["19998","0.2"]],"asks":[["20001","1.2"],["20002","0.1"]]}`))
	}))

	// Ask side: level two is thinner.
	buyPrice, err := client.BestBookPrice(context.Background(), "BTC_USDT", core.SideBuy)
	require.NoError(t, err)
	assert.True(t, buyPrice.Equal(decimal.RequireFromString("20002")))

	// Bid side: level two is thinner as well.
	sellPrice, err := client.BestBookPrice(context.Background(), "BTC_USDT", core.SideSell)
	require.NoError(t, err)
	assert.True(t, sellPrice.Equal(decimal.RequireFromString("19998")))
}

func TestGetCandles_WireOrder(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/spot/candlesticks", r.URL.Path)
		// [ts, quote_volume, close, high, low, open, base_volume, closed]
		w.Write([]byte(`[["1700000000","60000","20100","20150","19950","20000","3.0","true"]]`))
	}))

	candles, err := client.GetCandles(context.Background(), "BTC_USDT", "1m", 20)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Open.Equal(decimal.RequireFromString("20000")))
	assert.True(t, candles[0].High.Equal(decimal.RequireFromString("20150")))
	assert.True(t, candles[0].Low.Equal(decimal.RequireFromString("19950")))
	assert.True(t, candles[0].Close.Equal(decimal.RequireFromString("20100")))
	assert.True(t, candles[0].Volume.Equal(decimal.RequireFromString("3.0")))
	assert.Equal(t, int64(1700000000), candles[0].Ts.Unix())
}

func TestGetBalance_SignedRequest(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("KEY"))
		assert.NotEmpty(t, r.Header.Get("Timestamp"))
		assert.NotEmpty(t, r.Header.Get("SIGN"))
		w.Write([]byte(`[{"currency":"USDT","available":"123.45","locked":"0"}]`))
	}))

	balance, err := client.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("123.45")))
}

func TestListBuyFills_FiltersSellSide(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"1","create_time_ms":"1700000000000","order_id":"10","side":"buy","amount":"0.002","price":"20000","fee":"0.0000002","fee_currency":"BTC"},
			{"id":"2","create_time_ms":"1700000100000","order_id":"11","side":"sell","amount":"0.002","price":"20100","fee":"0.04","fee_currency":"USDT"}
		]`))
	}))

	fills, err := client.ListBuyFills(context.Background(), "BTC_USDT")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "10", fills[0].OrderID)
	assert.Equal(t, "BTC", fills[0].FeeCurrency)
	assert.True(t, fills[0].Value.Equal(decimal.RequireFromString("40")))
}

func TestPlaceSpotOrder_RefusesSubMinimum(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	// 0.0002 * 20000 = 4 USDT, below the 5 * 1.15 floor.
	_, err := client.PlaceSpotOrder(context.Background(), &core.PlaceOrderRequest{
		Pair:  "BTC_USDT",
		Side:  core.SideBuy,
		Type:  core.OrderTypeLimit,
		Qty:   decimal.RequireFromString("0.0002"),
		Price: decimal.RequireFromString("20000"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMinOrderValue))
	assert.Equal(t, int32(0), hits.Load(), "sub-minimum orders never reach the wire")
}

func TestPlaceSpotOrder_SuccessInvalidatesBalanceCache(t *testing.T) {
	var balanceHits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/spot/accounts":
			balanceHits.Add(1)
			w.Write([]byte(`[{"currency":"USDT","available":"100","locked":"0"}]`))
		case "/api/v4/spot/orders":
			assert.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`{"id":"42","create_time":"1700000000","status":"open","currency_pair":"BTC_USDT","type":"limit","side":"buy","amount":"0.003","price":"20000","left":"0.003","filled_total":"0"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()
	_, err := client.GetBalance(ctx, "USDT")
	require.NoError(t, err)

	order, err := client.PlaceSpotOrder(ctx, &core.PlaceOrderRequest{
		Pair:  "BTC_USDT",
		Side:  core.SideBuy,
		Type:  core.OrderTypeLimit,
		Qty:   decimal.RequireFromString("0.003"),
		Price: decimal.RequireFromString("20000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", order.ID)
	assert.Equal(t, core.OrderStatusOpen, order.Status)

	// The placement dropped the cached balance.
	_, err = client.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), balanceHits.Load())
}

func TestPlaceSpotOrder_BalanceNotEnoughIsTerminal(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"label":"BALANCE_NOT_ENOUGH","message":"not enough balance"}`))
	}))

	_, err := client.PlaceSpotOrder(context.Background(), &core.PlaceOrderRequest{
		Pair:  "BTC_USDT",
		Side:  core.SideBuy,
		Type:  core.OrderTypeLimit,
		Qty:   decimal.RequireFromString("0.01"),
		Price: decimal.RequireFromString("20000"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))
	assert.Equal(t, int32(1), hits.Load(), "structured API errors are not retried")
}

func TestExecute_RateLimitCarriesRetryAfter(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"label":"TOO_MANY_REQUESTS","message":"slow down"}`))
	}))

	_, err := client.GetOrderStatus(context.Background(), "BTC_USDT", "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimitExceeded))

	var apiErr *apperrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.Equal(t, int32(3), hits.Load(), "rate limited calls are retried to exhaustion")
}

func TestEffectiveFeeRate(t *testing.T) {
	tests := []struct {
		name      string
		gtBalance string
		discount  bool
		orderType core.OrderType
		want      string
	}{
		{"discount with enough GT", "10", true, core.OrderTypeMarket, "0.0015"},
		{"discount but no GT", "0", true, core.OrderTypeMarket, "0.002"},
		{"discount disabled", "10", false, core.OrderTypeMarket, "0.002"},
		{"limit order uses maker rate", "10", true, core.OrderTypeLimit, "0.00135"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/v4/wallet/fee":
					if tt.discount {
						w.Write([]byte(`{"taker_fee":"0.002","maker_fee":"0.0018","gt_discount":true,"gt_taker_fee":"0.0015","gt_maker_fee":"0.00135"}`))
					} else {
						w.Write([]byte(`{"taker_fee":"0.002","maker_fee":"0.0018","gt_discount":false,"gt_taker_fee":"0","gt_maker_fee":"0"}`))
					}
				case "/api/v4/spot/tickers":
					w.Write([]byte(`[{"currency_pair":"GT_USDT","last":"5.0"}]`))
				case "/api/v4/spot/accounts":
					w.Write([]byte(`[{"currency":"GT","available":"` + tt.gtBalance + `","locked":"0"}]`))
				}
			}))

			rate, err := client.EffectiveFeeRate(context.Background(), tt.orderType, decimal.NewFromInt(1000))
			require.NoError(t, err)
			assert.True(t, rate.Equal(decimal.RequireFromString(tt.want)),
				"got %s want %s", rate, tt.want)
		})
	}
}

func TestCheckHealth(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/spot/time", r.URL.Path)
		w.Write([]byte(`{"server_time":1700000000000}`))
	}))
	assert.NoError(t, client.CheckHealth(context.Background()))
}
