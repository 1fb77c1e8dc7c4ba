package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   Category
	}{
		{"tickers are public", "GET", "/spot/tickers", CategoryPublic},
		{"order book is public", "GET", "/spot/order_book", CategoryPublic},
		{"candlesticks are public", "GET", "/spot/candlesticks", CategoryPublic},
		{"currency pairs are public", "GET", "/spot/currency_pairs", CategoryPublic},

		{"place order", "POST", "/spot/orders", CategorySpotOrder},
		{"amend order", "PUT", "/spot/orders", CategorySpotOrder},
		{"cancel order", "DELETE", "/spot/orders", CategorySpotCancel},
		{"list orders", "GET", "/spot/orders", CategorySpotOther},
		{"batch place", "POST", "/spot/batch_orders", CategorySpotOrder},
		{"batch cancel", "DELETE", "/spot/cancel_batch_orders", CategorySpotCancel},
		{"accounts", "GET", "/spot/accounts", CategorySpotOther},
		{"my trades", "GET", "/spot/my_trades", CategorySpotOther},

		{"transfers", "POST", "/wallet/transfers", CategoryWalletTransfer},
		{"withdrawals", "POST", "/withdrawals", CategoryWalletWithdrawal},
		{"deposits", "GET", "/wallet/deposits", CategoryWalletOther},
		{"fee is wallet other", "GET", "/wallet/fee", CategoryWalletOther},

		{"futures place", "POST", "/futures/orders", CategoryFuturesOrder},
		{"futures cancel by prefix", "DELETE", "/futures/usdt/orders", CategoryFuturesCancel},
		{"futures positions", "GET", "/futures/positions", CategoryFuturesOther},

		{"query string stripped", "GET", "/spot/tickers?currency_pair=BTC_USDT", CategoryPublic},
		{"unmatched cancel by prefix", "DELETE", "/spot/price_orders", CategorySpotCancel},
		{"unknown path defaults to public", "GET", "/options/contracts", CategoryPublic},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.method, tt.path))
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier()
	first := c.Classify("POST", "/spot/orders")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, c.Classify("POST", "/spot/orders"))
	}
}
