package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/observability/metrics"
)

// DefaultTimeout bounds a single pool read before the fallback path is taken.
const DefaultTimeout = 3 * time.Second

// PoolReader resolves the raw sqrtPriceX96 of a pool.
type PoolReader interface {
	ReadPoolPrice(ctx context.Context, pool common.Address) (*big.Int, error)
}

// PairConfig maps a base/quote pair onto the pool that prices it. Token
// ordering inside a pool is arbitrary, so Invert selects the reciprocal when
// the pool quotes token0 in token1.
type PairConfig struct {
	Base      string
	Quote     string
	Pool      common.Address
	Decimals0 uint8
	Decimals1 uint8
	Invert    bool
	// ReferencePrice is served with SourceFallback when the pool cannot be
	// read. Nil disables the fallback for the pair.
	ReferencePrice *big.Rat
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// Adapter resolves market prices for configured pairs with a bounded timeout
// and a reference-price fallback.
type Adapter struct {
	reader  PoolReader
	pairs   map[string]PairConfig
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.EscrowMetrics
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics installs the metrics registry used to count price sources.
func WithMetrics(m *metrics.EscrowMetrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// NewAdapter constructs an adapter. The pair table is fixed at startup.
func NewAdapter(reader PoolReader, pairs []PairConfig, opts ...Option) (*Adapter, error) {
	adapter := &Adapter{
		reader:  reader,
		pairs:   make(map[string]PairConfig, len(pairs)),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, pair := range pairs {
		if strings.TrimSpace(pair.Base) == "" || strings.TrimSpace(pair.Quote) == "" {
			return nil, fmt.Errorf("pricing: pair base and quote required")
		}
		key := pairKey(pair.Base, pair.Quote)
		if _, dup := adapter.pairs[key]; dup {
			return nil, fmt.Errorf("pricing: duplicate pair %s", key)
		}
		if pair.ReferencePrice != nil && pair.ReferencePrice.Sign() <= 0 {
			return nil, fmt.Errorf("pricing: reference price for %s must be positive", key)
		}
		adapter.pairs[key] = pair
	}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	return adapter, nil
}

// MarketPrice reads the pool price for the pair. On any failure it returns
// the configured reference price tagged SourceFallback together with the
// cause; ErrOracleUnavailable is returned only when no reference exists.
func (a *Adapter) MarketPrice(ctx context.Context, base, quote string) (*big.Rat, Source, error) {
	key := pairKey(base, quote)
	pair, ok := a.pairs[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: pair %s not configured", ErrOracleUnavailable, key)
	}
	price, err := a.readPool(ctx, pair)
	if err == nil {
		a.metrics.ObserveOracleRead(string(SourceOracle))
		return price, SourceOracle, nil
	}
	if pair.ReferencePrice == nil {
		a.metrics.ObserveOracleRead("unavailable")
		return nil, "", fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, key, err)
	}
	a.logger.Warn("oracle read failed, using reference price",
		slog.String("pair", key),
		slog.String("pool", pair.Pool.Hex()),
		slog.Any("error", err))
	a.metrics.ObserveOracleRead(string(SourceFallback))
	return new(big.Rat).Set(pair.ReferencePrice), SourceFallback, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
}

// Validate compares agreed against the pair's market price. A fallback
// market price yields a validation with Source=fallback and Warning set.
func (a *Adapter) Validate(ctx context.Context, base, quote string, agreed *big.Rat, toleranceBps uint32) (Validation, error) {
	market, source, err := a.MarketPrice(ctx, base, quote)
	if market == nil {
		return Validation{}, err
	}
	validation, verr := Validate(agreed, market, toleranceBps)
	if verr != nil {
		return Validation{}, verr
	}
	validation.Source = source
	if source == SourceFallback {
		validation.Warning = err
	}
	return validation, nil
}

func (a *Adapter) readPool(ctx context.Context, pair PairConfig) (*big.Rat, error) {
	if a.reader == nil {
		return nil, errors.New("pool reader not configured")
	}
	if pair.Pool == (common.Address{}) {
		return nil, errors.New("pool address not configured")
	}
	readCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		sqrt *big.Int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sqrt, err := a.reader.ReadPoolPrice(readCtx, pair.Pool)
		done <- result{sqrt: sqrt, err: err}
	}()
	select {
	case <-readCtx.Done():
		return nil, fmt.Errorf("read pool %s: %w", pair.Pool.Hex(), readCtx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("read pool %s: %w", pair.Pool.Hex(), res.err)
		}
		return PoolPrice(res.sqrt, pair.Decimals0, pair.Decimals1, pair.Invert)
	}
}
