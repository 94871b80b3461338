package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// DefaultConfirmPollInterval is how often receipts and the chain head are
// polled while waiting for confirmation.
const DefaultConfirmPollInterval = 2 * time.Second

// Confirmer waits for submitted transactions to be mined and buried under
// the configured number of blocks.
type Confirmer struct {
	client        Client
	confirmations uint64
	interval      time.Duration
}

// NewConfirmer constructs a confirmer. Zero confirmations accepts a receipt
// as soon as it exists.
func NewConfirmer(client Client, confirmations uint64, interval time.Duration) *Confirmer {
	if interval <= 0 {
		interval = DefaultConfirmPollInterval
	}
	return &Confirmer{client: client, confirmations: confirmations, interval: interval}
}

// AwaitConfirmation blocks until txHash is confirmed, reverted or ctx ends.
// A reverted transaction returns its receipt together with ErrLedgerWrite.
// Read failures while waiting are retried on the next tick.
func (c *Confirmer) AwaitConfirmation(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("evm confirmer not initialised")
	}
	if (txHash == common.Hash{}) {
		return nil, fmt.Errorf("tx hash required")
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		receipt, done, err := c.check(ctx, txHash)
		if done {
			return receipt, err
		}
		select {
		case <-ctx.Done():
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Confirmer) check(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, bool, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: fetch receipt: %w", ErrLedgerRead, err)
	}
	if receipt == nil {
		return nil, false, ethereum.NotFound
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, true, fmt.Errorf("%w: transaction %s reverted", ErrLedgerWrite, txHash.Hex())
	}
	if c.confirmations == 0 {
		return receipt, true, nil
	}
	if receipt.BlockNumber == nil {
		return nil, false, fmt.Errorf("%w: receipt block unavailable", ErrLedgerRead)
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: fetch head: %w", ErrLedgerRead, err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return nil, false, ethereum.NotFound
	}
	if head-mined+1 < c.confirmations {
		return nil, false, ethereum.NotFound
	}
	return receipt, true, nil
}
