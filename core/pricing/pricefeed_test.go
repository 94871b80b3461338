package pricing

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestValidateExamples(t *testing.T) {
	result, err := Validate(big.NewRat(3000, 1), big.NewRat(3000, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected equal prices to validate")
	}
	if result.DeviationPercent.Sign() != 0 {
		t.Fatalf("expected zero deviation, got %s", result.DeviationPercent.RatString())
	}
	if result.Source != SourceOracle {
		t.Fatalf("unexpected source %s", result.Source)
	}

	result, err = Validate(big.NewRat(3600, 1), big.NewRat(3000, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected 20%% deviation to exceed 5%% tolerance")
	}
	if result.DeviationPercent.Cmp(big.NewRat(20, 1)) != 0 {
		t.Fatalf("expected deviation 20, got %s", result.DeviationPercent.RatString())
	}
	if result.DeviationString() != "20.00" || result.ToleranceString() != "5.00" {
		t.Fatalf("unexpected rendering %s/%s", result.DeviationString(), result.ToleranceString())
	}
}

func TestValidateIsSymmetric(t *testing.T) {
	below, err := Validate(big.NewRat(2850, 1), big.NewRat(3000, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !below.Valid {
		t.Fatalf("expected -5%% to sit on the tolerance boundary")
	}
	if below.DeviationPercent.Cmp(big.NewRat(-5, 1)) != 0 {
		t.Fatalf("expected signed deviation -5, got %s", below.DeviationPercent.RatString())
	}
	above, err := Validate(big.NewRat(3151, 1), big.NewRat(3000, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if above.Valid {
		t.Fatalf("expected deviation above tolerance to fail")
	}
}

func TestValidateRejectsNonPositive(t *testing.T) {
	if _, err := Validate(big.NewRat(0, 1), big.NewRat(1, 1), 100); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero agreed, got %v", err)
	}
	if _, err := Validate(big.NewRat(1, 1), nil, 100); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for nil market, got %v", err)
	}
}

func TestPoolPrice(t *testing.T) {
	q96 := new(big.Int).Lsh(big.NewInt(1), 96)
	twice := new(big.Int).Mul(q96, big.NewInt(2))

	price, err := PoolPrice(twice, 18, 18, false)
	if err != nil {
		t.Fatalf("pool price: %v", err)
	}
	if price.Cmp(big.NewRat(4, 1)) != 0 {
		t.Fatalf("expected 4, got %s", price.RatString())
	}

	inverted, err := PoolPrice(twice, 18, 18, true)
	if err != nil {
		t.Fatalf("pool price: %v", err)
	}
	if inverted.Cmp(big.NewRat(1, 4)) != 0 {
		t.Fatalf("expected 1/4, got %s", inverted.RatString())
	}

	scaled, err := PoolPrice(q96, 18, 6, false)
	if err != nil {
		t.Fatalf("pool price: %v", err)
	}
	if scaled.Cmp(new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil))) != 0 {
		t.Fatalf("expected 1e12, got %s", scaled.RatString())
	}
}

func TestPoolPriceBounds(t *testing.T) {
	if _, err := PoolPrice(big.NewInt(0), 18, 18, false); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero, got %v", err)
	}
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 160)
	if _, err := PoolPrice(tooLarge, 18, 18, false); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice above uint160, got %v", err)
	}
}

func TestAgreedPrice(t *testing.T) {
	// 2 WETH (18 decimals) for 6000 USDC (6 decimals).
	amountA := new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	amountB := new(big.Int).Mul(big.NewInt(6000), new(big.Int).Exp(big.NewInt(10), big.NewInt(6), nil))
	price, err := AgreedPrice(amountA, amountB, 18, 6)
	if err != nil {
		t.Fatalf("agreed price: %v", err)
	}
	if price.Cmp(big.NewRat(3000, 1)) != 0 {
		t.Fatalf("expected 3000, got %s", price.RatString())
	}
	if _, err := AgreedPrice(big.NewInt(0), amountB, 18, 6); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

type fakePoolReader struct {
	sqrt  *big.Int
	err   error
	delay time.Duration
	calls int
}

func (f *fakePoolReader) ReadPoolPrice(ctx context.Context, pool common.Address) (*big.Int, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.sqrt, f.err
}

var testPool = common.HexToAddress("0x8ad599c3a0ff1de082011efddc58f1908eb6e6d8")

func TestAdapterOracleSource(t *testing.T) {
	reader := &fakePoolReader{sqrt: new(big.Int).Lsh(big.NewInt(1), 96)}
	adapter, err := NewAdapter(reader, []PairConfig{{Base: "weth", Quote: "usdc", Pool: testPool, Decimals0: 18, Decimals1: 18}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	validation, err := adapter.Validate(context.Background(), "WETH", "USDC", big.NewRat(1, 1), 100)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Source != SourceOracle || !validation.Valid || validation.Warning != nil {
		t.Fatalf("unexpected validation %+v", validation)
	}
}

func TestAdapterFallsBackOnError(t *testing.T) {
	reader := &fakePoolReader{err: errors.New("connection refused")}
	adapter, err := NewAdapter(reader, []PairConfig{{
		Base: "WETH", Quote: "USDC", Pool: testPool, ReferencePrice: big.NewRat(3000, 1),
	}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	validation, err := adapter.Validate(context.Background(), "WETH", "USDC", big.NewRat(3000, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %s", validation.Source)
	}
	if !errors.Is(validation.Warning, ErrOracleUnavailable) {
		t.Fatalf("expected warning to wrap ErrOracleUnavailable, got %v", validation.Warning)
	}
}

func TestAdapterFallsBackOnTimeout(t *testing.T) {
	reader := &fakePoolReader{sqrt: big.NewInt(1), delay: time.Second}
	adapter, err := NewAdapter(reader, []PairConfig{{
		Base: "WETH", Quote: "USDC", Pool: testPool, ReferencePrice: big.NewRat(3000, 1),
	}}, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	start := time.Now()
	validation, err := adapter.Validate(context.Background(), "WETH", "USDC", big.NewRat(3000, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout not enforced")
	}
	if validation.Source != SourceFallback {
		t.Fatalf("expected fallback after timeout, got %s", validation.Source)
	}
}

func TestAdapterUnavailableWithoutReference(t *testing.T) {
	adapter, err := NewAdapter(&fakePoolReader{err: errors.New("boom")}, []PairConfig{{Base: "WETH", Quote: "USDC", Pool: testPool}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if _, err := adapter.Validate(context.Background(), "WETH", "USDC", big.NewRat(1, 1), 100); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	if _, err := adapter.Validate(context.Background(), "WBTC", "USDC", big.NewRat(1, 1), 100); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable for unknown pair, got %v", err)
	}
}

func TestNewAdapterRejectsDuplicates(t *testing.T) {
	pairs := []PairConfig{{Base: "WETH", Quote: "USDC"}, {Base: "weth", Quote: "usdc"}}
	if _, err := NewAdapter(nil, pairs); err == nil {
		t.Fatalf("expected duplicate pair error")
	}
}
