package ratelimit

import (
	"strings"
	"sync"
)

// literal endpoint table; method-dependent paths are resolved in Classify.
var endpointTable = map[string]Category{
	"/spot/currencies":     CategoryPublic,
	"/spot/currency_pairs": CategoryPublic,
	"/spot/tickers":        CategoryPublic,
	"/spot/order_book":     CategoryPublic,
	"/spot/trades":         CategoryPublic,
	"/spot/candlesticks":   CategoryPublic,

	"/spot/batch_orders":        CategorySpotOrder,
	"/spot/cancel_batch_orders": CategorySpotCancel,
	"/spot/accounts":            CategorySpotOther,
	"/spot/my_trades":           CategorySpotOther,

	"/wallet/transfers":             CategoryWalletTransfer,
	"/wallet/sub_account_transfers": CategoryWalletTransfer,
	"/withdrawals":                  CategoryWalletWithdrawal,
	"/wallet/deposits":              CategoryWalletOther,
	"/wallet/balances":              CategoryWalletOther,

	"/futures/orders":        CategoryFuturesOrder,
	"/futures/batch_orders":  CategoryFuturesOrder,
	"/futures/cancel_orders": CategoryFuturesCancel,
	"/futures/positions":     CategoryFuturesOther,
}

// Classifier maps (method, path) to a rate-limit category. Classification is
// pure; results are memoized per (method, path).
type Classifier struct {
	mu    sync.RWMutex
	cache map[string]Category
}

// NewClassifier creates a classifier with an empty memo.
func NewClassifier() *Classifier {
	return &Classifier{cache: make(map[string]Category)}
}

// Classify returns the category for an endpoint path and HTTP method.
func (c *Classifier) Classify(method, path string) Category {
	key := method + " " + path
	c.mu.RLock()
	cat, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cat
	}

	cat = classify(method, path)

	c.mu.Lock()
	c.cache[key] = cat
	c.mu.Unlock()
	return cat
}

func classify(method, path string) Category {
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}

	// Order mutations share a path and split by method.
	if path == "/spot/orders" {
		switch method {
		case "POST", "PUT":
			return CategorySpotOrder
		case "DELETE":
			return CategorySpotCancel
		default:
			return CategorySpotOther
		}
	}

	if cat, ok := endpointTable[path]; ok {
		return cat
	}

	switch {
	case strings.HasPrefix(path, "/spot/"):
		if strings.Contains(path, "orders") {
			switch method {
			case "POST", "PUT":
				return CategorySpotOrder
			case "DELETE":
				return CategorySpotCancel
			}
		}
		return CategorySpotOther
	case strings.HasPrefix(path, "/withdrawals"):
		return CategoryWalletWithdrawal
	case strings.HasPrefix(path, "/wallet/"):
		return CategoryWalletOther
	case strings.HasPrefix(path, "/futures/"):
		if strings.Contains(path, "orders") {
			switch method {
			case "POST", "PUT":
				return CategoryFuturesOrder
			case "DELETE":
				return CategoryFuturesCancel
			}
		}
		return CategoryFuturesOther
	}
	return CategoryPublic
}
