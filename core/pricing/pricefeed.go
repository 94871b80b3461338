package pricing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOracleUnavailable reports that no market price could be read and no
	// reference price is configured for the pair.
	ErrOracleUnavailable = errors.New("pricing: oracle unavailable")
	// ErrInvalidPrice flags malformed pool or agreed prices.
	ErrInvalidPrice = errors.New("pricing: invalid price")
)

// Source classifies where the market price of a validation came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Validation is the outcome of comparing an agreed price against the market.
// It is recomputed per settlement attempt and never persisted.
type Validation struct {
	MarketPrice *big.Rat
	AgreedPrice *big.Rat
	// DeviationPercent is signed: positive means the agreed price is above
	// market.
	DeviationPercent *big.Rat
	ToleranceBps     uint32
	Valid            bool
	Source           Source
	// Warning carries the oracle failure that forced the fallback path.
	Warning error
}

// DeviationString renders the signed deviation with two decimals.
func (v Validation) DeviationString() string {
	if v.DeviationPercent == nil {
		return "0.00"
	}
	return v.DeviationPercent.FloatString(2)
}

// ToleranceString renders the tolerance as a percentage.
func (v Validation) ToleranceString() string {
	return big.NewRat(int64(v.ToleranceBps), 100).FloatString(2)
}

var (
	q96         = new(big.Int).Lsh(big.NewInt(1), 96)
	maxUint160  = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 160), uint256.NewInt(1))
	bpsPerPoint = big.NewRat(100, 1)
)

// PoolPrice converts a concentrated-liquidity pool's sqrtPriceX96 into a
// human-scale price of token1 in token0 units, adjusted by the token
// decimals. When invert is set the reciprocal is returned.
func PoolPrice(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8, invert bool) (*big.Rat, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, fmt.Errorf("%w: sqrtPriceX96 must be positive", ErrInvalidPrice)
	}
	bounded, overflow := uint256.FromBig(sqrtPriceX96)
	if overflow || bounded.Gt(maxUint160) {
		return nil, fmt.Errorf("%w: sqrtPriceX96 exceeds uint160", ErrInvalidPrice)
	}
	ratio := new(big.Rat).SetFrac(sqrtPriceX96, q96)
	price := new(big.Rat).Mul(ratio, ratio)
	price.Mul(price, decimalScale(int(decimals0)-int(decimals1)))
	if invert {
		price.Inv(price)
	}
	return price, nil
}

// AgreedPrice derives the price of token A expressed in token B from the OTC
// amounts, normalised to whole units.
func AgreedPrice(amountA, amountB *big.Int, decimalsA, decimalsB uint8) (*big.Rat, error) {
	if amountA == nil || amountA.Sign() <= 0 || amountB == nil || amountB.Sign() <= 0 {
		return nil, fmt.Errorf("%w: trade amounts must be positive", ErrInvalidPrice)
	}
	price := new(big.Rat).SetFrac(amountB, amountA)
	price.Mul(price, decimalScale(int(decimalsA)-int(decimalsB)))
	return price, nil
}

// Validate classifies the deviation of agreed from market against a
// tolerance in basis points. Validity is symmetric around the market price.
func Validate(agreed, market *big.Rat, toleranceBps uint32) (Validation, error) {
	if agreed == nil || agreed.Sign() <= 0 {
		return Validation{}, fmt.Errorf("%w: agreed price must be positive", ErrInvalidPrice)
	}
	if market == nil || market.Sign() <= 0 {
		return Validation{}, fmt.Errorf("%w: market price must be positive", ErrInvalidPrice)
	}
	deviation := new(big.Rat).Sub(agreed, market)
	deviation.Quo(deviation, market)
	deviation.Mul(deviation, bpsPerPoint)

	magnitude := new(big.Rat).Abs(deviation)
	tolerance := big.NewRat(int64(toleranceBps), 100)
	return Validation{
		MarketPrice:      new(big.Rat).Set(market),
		AgreedPrice:      new(big.Rat).Set(agreed),
		DeviationPercent: deviation,
		ToleranceBps:     toleranceBps,
		Valid:            magnitude.Cmp(tolerance) <= 0,
		Source:           SourceOracle,
	}, nil
}

func decimalScale(exp int) *big.Rat {
	if exp == 0 {
		return big.NewRat(1, 1)
	}
	abs := exp
	if abs < 0 {
		abs = -abs
	}
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs)), nil)
	if exp > 0 {
		return new(big.Rat).SetInt(pow)
	}
	return new(big.Rat).SetFrac(big.NewInt(1), pow)
}
