// Package httpadapter is a generic, non-venue-specific signed-REST +
// WebSocket core.IExchange implementation. It exists to give the domain's
// REST/WS dependencies (failsafe-go retry/circuit-breaking, gorilla
// websocket) a concrete, exercised home; it is NOT a certified integration
// against any particular exchange's API - no venue-specific request
// signing or error-code mapping is implemented. A real deployment swaps
// this adapter's Signer and response-parsing for venue-specific code while
// keeping the same core.IExchange surface.
package httpadapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/config"
	"gridengine/internal/core"
	"gridengine/internal/exchange/base"
	apperrors "gridengine/pkg/errors"
	httpclient "gridengine/pkg/http"
	"gridengine/pkg/websocket"
)

// Config configures the adapter.
type Config struct {
	BaseURL       string
	WSURL         string
	APIKey        string
	SecretKey     string
	Symbol        string
	PriceDecimals int32
	QtyDecimals   int32
	Timeout       time.Duration
}

// hmacSigner signs requests with an HMAC-SHA256 of timestamp+method+path,
// a convention common across REST trading APIs but not tied to any one.
type hmacSigner struct {
	apiKey    string
	secretKey string
}

func (s hmacSigner) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(ts + req.Method + req.URL.Path))
	sig := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("X-TIMESTAMP", ts)
	req.Header.Set("X-SIGNATURE", sig)
	return nil
}

// Adapter is the generic REST+WS core.IExchange implementation.
type Adapter struct {
	base   *base.BaseAdapter
	rest   *httpclient.Client
	cfg    Config
	logger core.ILogger

	fills chan core.Fill
}

// New builds an adapter. cfg.Symbol is the only symbol this adapter trades.
func New(cfg Config, logger core.ILogger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	exCfg := &config.ExchangeConfig{
		APIKey:    config.Secret(cfg.APIKey),
		SecretKey: config.Secret(cfg.SecretKey),
		BaseURL:   cfg.BaseURL,
	}
	b := base.NewBaseAdapter("generic", exCfg, logger)

	return &Adapter{
		base:   b,
		rest:   httpclient.NewClient(cfg.BaseURL, cfg.Timeout, hmacSigner{apiKey: cfg.APIKey, secretKey: cfg.SecretKey}),
		cfg:    cfg,
		logger: logger.WithField("exchange", "httpadapter"),
		fills:  make(chan core.Fill, 256),
	}
}

// Fills exposes the adapter's live fill stream, read by the engine loop in
// live mode (step 3: "drain fill queue from exchange adapter").
func (a *Adapter) Fills() <-chan core.Fill {
	return a.fills
}

// StartFillStream opens the venue's order/fill WebSocket feed and decodes
// incoming messages into core.Fill, pushed onto a.fills. Runs until ctx is
// cancelled.
func (a *Adapter) StartFillStream(ctx context.Context) error {
	return a.base.StartWebSocketStream(ctx, a.cfg.WSURL, a.onWSMessage, nil, "fill-stream")
}

func (a *Adapter) onWSMessage(raw []byte) {
	var msg wsFillMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.logger.Warn("httpadapter: failed to decode fill message", "error", err.Error())
		return
	}
	if msg.Type != "fill" {
		return
	}
	a.fills <- core.Fill{
		Side:       core.Side(msg.Side),
		LevelIndex: msg.LevelIndex,
		Price:      a.base.ParseDecimal(msg.Price),
		Size:       a.base.ParseDecimal(msg.Quantity),
		Leg:        core.Leg(msg.Leg),
		TradeID:    msg.TradeID,
	}
}

type wsFillMessage struct {
	Type       string `json:"type"`
	Side       string `json:"side"`
	LevelIndex int    `json:"level_index"`
	Leg        string `json:"leg"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	TradeID    string `json:"trade_id"`
}

type restOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	Type          string `json:"type"`
}

type restOrderResponse struct {
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
	Status          string `json:"status"`
	FilledQty       string `json:"filled_qty"`
}

func (a *Adapter) Name() string { return "httpadapter" }

func (a *Adapter) CheckHealth(ctx context.Context) error {
	_, err := a.rest.Get(ctx, "/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, order core.IntendedOrder, symbol string) (core.ExchangeOrderRecord, error) {
	body := restOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        symbol,
		Side:          string(order.Key.Side),
		Price:         order.Price.String(),
		Quantity:      order.Quantity.String(),
		Type:          "limit",
	}
	respBody, err := a.rest.Post(ctx, "/orders", body)
	if err != nil {
		return core.ExchangeOrderRecord{}, classifyRESTError(err)
	}

	var resp restOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.ExchangeOrderRecord{}, fmt.Errorf("httpadapter: decode place-order response: %w", err)
	}

	return core.ExchangeOrderRecord{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: resp.ExchangeOrderID,
		Side:            order.Key.Side,
		Price:           order.Price,
		Qty:             order.Quantity,
		FilledQty:       a.base.ParseDecimal(resp.FilledQty),
		Status:          mapRESTStatus(resp.Status),
	}, nil
}

func (a *Adapter) BatchPlaceOrders(ctx context.Context, orders []core.IntendedOrder, symbol string) []core.OrderActionResult {
	results := make([]core.OrderActionResult, len(orders))
	for i, o := range orders {
		rec, err := a.PlaceOrder(ctx, o, symbol)
		results[i] = core.OrderActionResult{Key: o.Key, Record: rec, Error: err}
	}
	return results
}

func (a *Adapter) CancelOrder(ctx context.Context, clientOrderID string, symbol string) error {
	_, err := a.rest.Delete(ctx, "/orders/"+clientOrderID, map[string]string{"symbol": symbol})
	if err != nil {
		return classifyRESTError(err)
	}
	return nil
}

func (a *Adapter) BatchCancelOrders(ctx context.Context, clientOrderIDs []string, symbol string) []error {
	errs := make([]error, len(clientOrderIDs))
	for i, id := range clientOrderIDs {
		errs[i] = a.CancelOrder(ctx, id, symbol)
	}
	return errs
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := a.rest.Delete(ctx, "/orders", map[string]string{"symbol": symbol})
	if err != nil {
		return classifyRESTError(err)
	}
	return nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrderRecord, error) {
	respBody, err := a.rest.Get(ctx, "/orders/open", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, classifyRESTError(err)
	}
	var raw []restOrderResponse
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("httpadapter: decode open-orders response: %w", err)
	}
	out := make([]core.ExchangeOrderRecord, len(raw))
	for i, r := range raw {
		out[i] = core.ExchangeOrderRecord{
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: r.ExchangeOrderID,
			FilledQty:       a.base.ParseDecimal(r.FilledQty),
			Status:          mapRESTStatus(r.Status),
		}
	}
	return out, nil
}

func (a *Adapter) QueryOrder(ctx context.Context, clientOrderID string, symbol string) (core.OrderQueryOutcome, error) {
	respBody, err := a.rest.Get(ctx, "/orders/"+clientOrderID, map[string]string{"symbol": symbol})
	if err != nil {
		var apiErr *httpclient.APIError
		if stderrors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return core.OrderQueryOutcome{Kind: core.OutcomeUnknown}, nil
		}
		return core.OrderQueryOutcome{}, classifyRESTError(err)
	}

	var resp restOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.OrderQueryOutcome{}, fmt.Errorf("httpadapter: decode query-order response: %w", err)
	}

	switch mapRESTStatus(resp.Status) {
	case core.OrderStatusFilled:
		fill := core.Fill{Size: a.base.ParseDecimal(resp.FilledQty)}
		return core.OrderQueryOutcome{Kind: core.OutcomeFilled, Fill: &fill}, nil
	case core.OrderStatusCancelled:
		return core.OrderQueryOutcome{Kind: core.OutcomeCancelled}, nil
	case core.OrderStatusRejected:
		return core.OrderQueryOutcome{Kind: core.OutcomeRejected}, nil
	default:
		return core.OrderQueryOutcome{Kind: core.OutcomeUnknown}, nil
	}
}

func (a *Adapter) GetPortfolio(ctx context.Context) (core.PortfolioSnapshot, error) {
	respBody, err := a.rest.Get(ctx, "/account", nil)
	if err != nil {
		return core.PortfolioSnapshot{}, classifyRESTError(err)
	}
	var resp struct {
		Equity        string `json:"equity"`
		Cash          string `json:"cash"`
		LongHoldings  string `json:"long_holdings"`
		ShortHoldings string `json:"short_holdings"`
		AvgCost       string `json:"avg_cost"`
		UnrealizedPnL string `json:"unrealized_pnl"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.PortfolioSnapshot{}, fmt.Errorf("httpadapter: decode account response: %w", err)
	}
	return core.PortfolioSnapshot{
		Equity:        a.base.ParseDecimal(resp.Equity),
		Cash:          a.base.ParseDecimal(resp.Cash),
		LongHoldings:  a.base.ParseDecimal(resp.LongHoldings),
		ShortHoldings: a.base.ParseDecimal(resp.ShortHoldings),
		AvgCost:       a.base.ParseDecimal(resp.AvgCost),
		UnrealizedPnL: a.base.ParseDecimal(resp.UnrealizedPnL),
	}, nil
}

func (a *Adapter) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	respBody, err := a.rest.Get(ctx, "/ticker", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, classifyRESTError(err)
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("httpadapter: decode ticker response: %w", err)
	}
	return a.base.ParseDecimal(resp.Price), nil
}

func (a *Adapter) PriceDecimals() int32    { return a.cfg.PriceDecimals }
func (a *Adapter) QuantityDecimals() int32 { return a.cfg.QtyDecimals }

func mapRESTStatus(raw string) core.OrderStatus {
	switch raw {
	case "open", "new", "accepted":
		return core.OrderStatusOpen
	case "partial", "partially_filled":
		return core.OrderStatusPartial
	case "filled":
		return core.OrderStatusFilled
	case "cancelled", "canceled":
		return core.OrderStatusCancelled
	case "rejected":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusPending
	}
}

func classifyRESTError(err error) error {
	var apiErr *httpclient.APIError
	if !stderrors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", apperrors.ErrDuplicateOrder, err)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", apperrors.ErrExchangeMaintenance, err)
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrOrderRejected, err)
	}
}

var _ core.IExchange = (*Adapter)(nil)
