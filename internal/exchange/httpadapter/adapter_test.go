package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
	"gridengine/pkg/logging"
)

func testAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	logger, err := logging.NewLoggerFromString("error", nil)
	require.NoError(t, err)
	return New(Config{
		BaseURL:       baseURL,
		APIKey:        "key",
		SecretKey:     "secret",
		Symbol:        "BTCUSDT",
		PriceDecimals: 2,
		QtyDecimals:   6,
	}, logger)
}

func TestPlaceOrderReturnsExchangeRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-SIGNATURE"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(restOrderResponse{
			ClientOrderID:   "c1",
			ExchangeOrderID: "ex-1",
			Status:          "open",
			FilledQty:       "0",
		})
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	order := core.IntendedOrder{
		Key:           core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0},
		ClientOrderID: "c1",
		Price:         decimal.NewFromInt(89000),
		Quantity:      decimal.NewFromFloat(0.001),
	}

	rec, err := a.PlaceOrder(context.Background(), order, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ClientOrderID)
	assert.Equal(t, "ex-1", rec.ExchangeOrderID)
	assert.Equal(t, core.OrderStatusOpen, rec.Status)
}

func TestQueryOrderReturnsUnknownOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	outcome, err := a.QueryOrder(context.Background(), "missing", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUnknown, outcome.Kind)
}

func TestQueryOrderReturnsFilled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(restOrderResponse{
			ClientOrderID: "c1",
			Status:        "filled",
			FilledQty:     "0.001",
		})
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	outcome, err := a.QueryOrder(context.Background(), "c1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFilled, outcome.Kind)
	require.NotNil(t, outcome.Fill)
}

func TestCancelOrderSurfacesDuplicateOrderAsClassifiedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"duplicate"}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	err := a.CancelOrder(context.Background(), "c1", "BTCUSDT")
	assert.Error(t, err)
}

func TestGetLatestPriceParsesTickerResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"price": "89123.45"})
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	price, err := a.GetLatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(89123.45)))
}

func TestGetPortfolioParsesAccountResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"equity":         "10500",
			"cash":           "10000",
			"long_holdings":  "0.01",
			"short_holdings": "0",
			"avg_cost":       "89000",
			"unrealized_pnl": "500",
		})
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	pf, err := a.GetPortfolio(context.Background())
	require.NoError(t, err)
	assert.True(t, pf.Equity.Equal(decimal.NewFromInt(10500)))
}
