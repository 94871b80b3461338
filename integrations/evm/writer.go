package evm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/escrow"
)

// Sender signs and broadcasts a contract call. Key custody stays with the
// implementation (wallet, HSM or remote signer).
type Sender interface {
	Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to common.Address, data []byte) (common.Hash, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	return f(ctx, to, data)
}

// ContractWriter encodes lifecycle actions as escrow contract calls and
// hands them to a Sender. It never retries.
type ContractWriter struct {
	sender Sender
	logger *slog.Logger
}

// NewContractWriter constructs a writer on top of sender.
func NewContractWriter(sender Sender, logger *slog.Logger) *ContractWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContractWriter{sender: sender, logger: logger.With(slog.String("component", "ledger-writer"))}
}

// Submit sends action to the escrow at addr and returns the transaction
// hash accepted by the sender.
func (w *ContractWriter) Submit(ctx context.Context, kind escrow.Kind, addr common.Address, action escrow.Action, args ...any) (common.Hash, error) {
	if w == nil || w.sender == nil {
		return common.Hash{}, fmt.Errorf("%w: no sender configured", ErrLedgerWrite)
	}
	data, err := Calldata(kind, action, args...)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := w.sender.Send(ctx, addr, data)
	if err != nil {
		w.logger.Warn("transaction submission failed",
			slog.String("address", addr.Hex()),
			slog.String("action", string(action)),
			slog.Any("error", err))
		return common.Hash{}, fmt.Errorf("%w: %s on %s: %w", ErrLedgerWrite, action, addr.Hex(), err)
	}
	if hash == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: sender returned empty hash", ErrLedgerWrite)
	}
	w.logger.Info("transaction submitted",
		slog.String("address", addr.Hex()),
		slog.String("action", string(action)),
		slog.String("tx", hash.Hex()))
	return hash, nil
}
