package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// PoolSource reads concentrated-liquidity pool prices through slot0().
// It satisfies pricing.PoolReader.
type PoolSource struct {
	client Client
}

// NewPoolSource constructs a pool price source.
func NewPoolSource(client Client) *PoolSource {
	return &PoolSource{client: client}
}

// ReadPoolPrice returns the pool's current sqrtPriceX96.
func (p *PoolSource) ReadPoolPrice(ctx context.Context, pool common.Address) (*big.Int, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("evm: pool source not initialised")
	}
	data, err := PoolABI.Pack("slot0")
	if err != nil {
		return nil, fmt.Errorf("evm: pack slot0: %w", err)
	}
	raw, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: slot0 on %s: %w", ErrLedgerRead, pool.Hex(), err)
	}
	out, err := PoolABI.Unpack("slot0", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack slot0: %w", ErrLedgerRead, err)
	}
	d := decoder{method: "slot0", values: out}
	sqrtPrice := d.num(0)
	if d.err != nil {
		return nil, d.err
	}
	return sqrtPrice, nil
}
