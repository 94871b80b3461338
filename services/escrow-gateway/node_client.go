package main

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"escrowcoord/integrations/evm"
)

// limitedClient bounds every ledger RPC by a shared rate limiter and a per
// call timeout.
type limitedClient struct {
	inner   evm.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func newLimitedClient(inner evm.Client, limiter *rate.Limiter, timeout time.Duration) *limitedClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &limitedClient{inner: inner, limiter: limiter, timeout: timeout}
}

func (c *limitedClient) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	if c.timeout <= 0 {
		return ctx, func() {}, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	return callCtx, cancel, nil
}

func (c *limitedClient) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.inner.CallContract(callCtx, call, block)
}

func (c *limitedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.inner.FilterLogs(callCtx, q)
}

func (c *limitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return c.inner.BlockNumber(callCtx)
}

func (c *limitedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.inner.TransactionReceipt(callCtx, txHash)
}
