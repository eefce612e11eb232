// Package order provides order execution with rate limiting and retry logic,
// shared by every exchange adapter (simulated or live) so that submission
// behavior never diverges between backtest and live trading.
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gridengine/internal/core"
	"gridengine/pkg/concurrency"
	apperrors "gridengine/pkg/errors"
	"gridengine/pkg/telemetry"
	"gridengine/pkg/tradingutils"
)

// Executor implements core.IOrderExecutor: rate-limited, retried order
// submission and cancellation against whatever core.IExchange is wired in.
type Executor struct {
	logger core.ILogger

	rateLimiter *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	errorMu         sync.Mutex
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int

	tracer       trace.Tracer
	orderCounter metric.Int64Counter
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter

	batchPool *concurrency.WorkerPool
}

// New builds an order executor with the spec's default rate limit (25/sec,
// burst 30) and retry policy (up to 5 retries after the first attempt,
// 500ms base, 10s cap).
func New(logger core.ILogger) *Executor {
	tracer := telemetry.GetTracer("order-executor")
	meter := telemetry.GetMeter("order-executor")

	orderCounter, _ := meter.Int64Counter("order_placements_total", metric.WithDescription("Total number of orders placed"))
	retryCounter, _ := meter.Int64Counter("order_retries_total", metric.WithDescription("Total number of order placement retries"))
	failCounter, _ := meter.Int64Counter("order_failures_total", metric.WithDescription("Total number of order placement failures"))

	return &Executor{
		logger:          logger.WithField("component", "order_executor"),
		rateLimiter:     rate.NewLimiter(rate.Limit(25), 30),
		maxRetries:      5,
		baseDelay:       500 * time.Millisecond,
		maxDelay:        10 * time.Second,
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		tracer:          tracer,
		orderCounter:    orderCounter,
		retryCounter:    retryCounter,
		failCounter:     failCounter,
		batchPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "order-batch",
			MaxWorkers:  8,
			MaxCapacity: 256,
		}, logger),
	}
}

// PlaceOrder submits a single order with rate limiting and retry.
func (e *Executor) PlaceOrder(ctx context.Context, exchange core.IExchange, order core.IntendedOrder, symbol string) (core.ExchangeOrderRecord, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceOrder", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("side", string(order.Key.Side)),
	))
	defer span.End()

	order.Price = tradingutils.RoundPrice(order.Price, int(exchange.PriceDecimals()))
	order.Quantity = tradingutils.RoundQuantity(order.Quantity, int(exchange.QuantityDecimals()))

	return e.placeWithRetry(ctx, exchange, order, symbol, 0)
}

// BatchPlaceOrders fans placement out across the executor's worker pool so
// a whole grid ladder's worth of orders goes out concurrently; the shared
// rate limiter inside PlaceOrder still caps how fast they actually hit the
// exchange. Results are returned in input order.
func (e *Executor) BatchPlaceOrders(ctx context.Context, exchange core.IExchange, orders []core.IntendedOrder, symbol string) []core.OrderActionResult {
	results := make([]core.OrderActionResult, len(orders))
	var wg sync.WaitGroup
	wg.Add(len(orders))
	for i, o := range orders {
		i, o := i, o
		if err := e.batchPool.Submit(func() {
			defer wg.Done()
			rec, err := e.PlaceOrder(ctx, exchange, o, symbol)
			if err != nil {
				e.logger.Error("failed to place order in batch", "key", o.Key, "error", err.Error())
			}
			results[i] = core.OrderActionResult{Key: o.Key, Record: rec, Error: err}
		}); err != nil {
			wg.Done()
			results[i] = core.OrderActionResult{Key: o.Key, Error: err}
		}
	}
	wg.Wait()
	return results
}

// CancelOrder cancels a single order with rate limiting and retry.
func (e *Executor) CancelOrder(ctx context.Context, exchange core.IExchange, clientOrderID string, symbol string) error {
	return e.cancelWithRetry(ctx, exchange, clientOrderID, symbol, 0)
}

// Stop drains the batch worker pool, letting any in-flight placements finish
// before the process exits.
func (e *Executor) Stop() {
	e.batchPool.Stop()
}

// CheckHealth reports whether the executor's recent error rate is healthy.
func (e *Executor) CheckHealth() error {
	if errCount := e.recentErrorCount(5 * time.Minute); errCount > 50 {
		return fmt.Errorf("high order-executor error rate: %d errors in last 5 minutes", errCount)
	}
	return nil
}

func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()
	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
	} else {
		e.errorTimestamps[e.errorIndex] = time.Now()
		e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
	}
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()
	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func (e *Executor) placeWithRetry(ctx context.Context, exchange core.IExchange, order core.IntendedOrder, symbol string, attempt int) (core.ExchangeOrderRecord, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return core.ExchangeOrderRecord{}, fmt.Errorf("rate limit wait failed: %w", err)
	}

	e.orderCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("side", string(order.Key.Side)),
	))

	rec, err := exchange.PlaceOrder(ctx, order, symbol)
	if err == nil {
		return rec, nil
	}

	e.logger.Warn("order placement failed", "symbol", symbol, "side", order.Key.Side, "error", err.Error(), "attempt", attempt+1)
	e.failCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("side", string(order.Key.Side)),
	))
	e.recordError()

	if attempt >= e.maxRetries {
		return core.ExchangeOrderRecord{}, fmt.Errorf("max retries exceeded: %w", err)
	}

	if isFatalOrderError(err) {
		return core.ExchangeOrderRecord{}, err
	}

	if isDuplicateOrderError(err) {
		existing, qErr := queryExistingOrder(ctx, exchange, order, symbol)
		if qErr == nil {
			return existing, nil
		}
	}

	delay := e.calculateRetryDelay(attempt)
	e.retryCounter.Add(ctx, 1)

	select {
	case <-ctx.Done():
		return core.ExchangeOrderRecord{}, ctx.Err()
	case <-time.After(delay):
		return e.placeWithRetry(ctx, exchange, order, symbol, attempt+1)
	}
}

func (e *Executor) cancelWithRetry(ctx context.Context, exchange core.IExchange, clientOrderID, symbol string, attempt int) error {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	e.logger.Debug("cancelling order", "client_order_id", clientOrderID, "attempt", attempt+1)

	err := exchange.CancelOrder(ctx, clientOrderID, symbol)
	if err == nil {
		return nil
	}

	e.logger.Warn("order cancellation failed", "client_order_id", clientOrderID, "error", err.Error(), "attempt", attempt+1)

	if attempt >= e.maxRetries {
		return fmt.Errorf("max cancel retries exceeded: %w", err)
	}

	if errors.Is(err, apperrors.ErrOrderNotFound) || strings.Contains(err.Error(), "already filled") {
		return err
	}

	delay := e.calculateRetryDelay(attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return e.cancelWithRetry(ctx, exchange, clientOrderID, symbol, attempt+1)
	}
}

func isDuplicateOrderError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrDuplicateOrder) || strings.Contains(err.Error(), "duplicate_coid")
}

// isFatalOrderError reports whether retrying would never succeed: the
// account cannot cover the order, a margin rule was violated, or the
// symbol itself is invalid.
func isFatalOrderError(err error) bool {
	if errors.Is(err, apperrors.ErrInsufficientFunds) || errors.Is(err, apperrors.ErrInvalidSymbol) || errors.Is(err, apperrors.ErrInvalidOrderParameter) {
		return true
	}
	return strings.Contains(err.Error(), "insufficient funds") || strings.Contains(err.Error(), "margin") || strings.Contains(err.Error(), "INVALID_SYMBOL")
}

// queryExistingOrder adopts the order the exchange already holds under this
// client order id, per the spec's idempotency rule for duplicate submission.
func queryExistingOrder(ctx context.Context, exchange core.IExchange, order core.IntendedOrder, symbol string) (core.ExchangeOrderRecord, error) {
	open, err := exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return core.ExchangeOrderRecord{}, err
	}
	for _, rec := range open {
		if rec.ClientOrderID == order.ClientOrderID {
			return rec, nil
		}
	}
	return core.ExchangeOrderRecord{}, fmt.Errorf("duplicate client order id %s not found among open orders", order.ClientOrderID)
}

// calculateRetryDelay computes min(baseDelay*2^attempt, maxDelay) with +-10% jitter.
func (e *Executor) calculateRetryDelay(attempt int) time.Duration {
	delay := float64(e.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(e.maxDelay) {
		delay = float64(e.maxDelay)
	}
	jitter := (rand.Float64()*0.2 - 0.1) * delay
	return time.Duration(delay + jitter)
}

var _ core.IOrderExecutor = (*Executor)(nil)
