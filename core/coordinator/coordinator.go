package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"escrowcoord/core/mirror"
	"escrowcoord/core/pricing"
	"escrowcoord/native/escrow"
	"escrowcoord/observability/metrics"
)

// ErrDenied wraps gate denials returned by Execute and Settle.
var ErrDenied = errors.New("coordinator: transition denied")

// LedgerReader reads escrow snapshots.
type LedgerReader interface {
	ReadEscrow(ctx context.Context, kind escrow.Kind, addr common.Address) (*escrow.Instance, error)
}

// AllowanceReader reads ERC-20 allowances granted to an escrow.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Writer submits contract calls. Implementations must not retry.
type Writer interface {
	Submit(ctx context.Context, kind escrow.Kind, addr common.Address, action escrow.Action, args ...any) (common.Hash, error)
}

// MarketPricer resolves a market price for a configured pair.
type MarketPricer interface {
	MarketPrice(ctx context.Context, base, quote string) (*big.Rat, pricing.Source, error)
}

// Confirmer waits for a submitted transaction to be mined.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Config captures the dependencies required to construct a Coordinator.
type Config struct {
	Reader     LedgerReader
	Writer     Writer
	Allowances AllowanceReader
	Oracle     MarketPricer
	Confirmer  Confirmer
	Mirror     *mirror.Mirror
	Gatekeeper *escrow.Gatekeeper
	// ToleranceBps is used when a settlement request carries none.
	ToleranceBps uint32
	Logger       *slog.Logger
	Metrics      *metrics.EscrowMetrics
}

// Coordinator runs the read → gate → submit → record flow for
// party-initiated transitions.
type Coordinator struct {
	reader       LedgerReader
	writer       Writer
	allowances   AllowanceReader
	oracle       MarketPricer
	confirmer    Confirmer
	mirror       *mirror.Mirror
	gate         *escrow.Gatekeeper
	toleranceBps uint32
	logger       *slog.Logger
	metrics      *metrics.EscrowMetrics
}

// New constructs a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("coordinator: ledger reader required")
	}
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("coordinator: mirror required")
	}
	c := &Coordinator{
		reader:       cfg.Reader,
		writer:       cfg.Writer,
		allowances:   cfg.Allowances,
		oracle:       cfg.Oracle,
		confirmer:    cfg.Confirmer,
		mirror:       cfg.Mirror,
		gate:         cfg.Gatekeeper,
		toleranceBps: cfg.ToleranceBps,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if c.gate == nil {
		c.gate = escrow.NewGatekeeper(nil)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "coordinator"))
	return c, nil
}

// Gatekeeper exposes the gate used for decisions.
func (c *Coordinator) Gatekeeper() *escrow.Gatekeeper { return c.gate }

// Phase reads the escrow, reconciles the mirror and derives the current
// phase.
func (c *Coordinator) Phase(ctx context.Context, kind escrow.Kind, addr common.Address) (*escrow.Instance, escrow.Phase, error) {
	inst, err := c.read(ctx, kind, addr)
	if err != nil {
		return nil, escrow.Phase{}, err
	}
	phase, err := escrow.DerivePhase(inst, c.gate.Now())
	if err != nil {
		return nil, escrow.Phase{}, err
	}
	return inst, phase, nil
}

// Check evaluates req against a fresh snapshot without submitting. When
// the request carries no allowance and the action needs one, it is read
// from the payment token.
func (c *Coordinator) Check(ctx context.Context, kind escrow.Kind, addr common.Address, req escrow.Request) (escrow.Decision, error) {
	inst, err := c.read(ctx, kind, addr)
	if err != nil {
		return escrow.Decision{}, err
	}
	if err := c.fillAllowance(ctx, inst, &req); err != nil {
		return escrow.Decision{}, err
	}
	decision := c.gate.CanTransition(inst, req)
	c.metrics.ObserveDecision(string(req.Action), string(decision.Code))
	return decision, nil
}

// Result reports a submitted transition.
type Result struct {
	Decision escrow.Decision
	TxHash   common.Hash
	Record   *mirror.Record
}

// Execute gates req, submits it once and records the transaction hash
// optimistically. Args follow the milestone id for milestone-scoped actions.
// A denied request returns ErrDenied wrapping the decision's sentinel.
func (c *Coordinator) Execute(ctx context.Context, kind escrow.Kind, addr common.Address, req escrow.Request, args ...any) (Result, error) {
	decision, err := c.Check(ctx, kind, addr, req)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		return Result{Decision: decision}, fmt.Errorf("%w: %w", ErrDenied, decision.Err())
	}
	if req.Action.MilestoneScoped() {
		args = append([]any{new(big.Int).SetUint64(req.MilestoneID)}, args...)
	}
	return c.submit(ctx, kind, addr, req, decision, args...)
}

// SettleRequest describes an OTC settlement.
type SettleRequest struct {
	Address common.Address
	Actor   common.Address
	// Base and Quote select the oracle pair pricing token A in token B.
	Base         string
	Quote        string
	ToleranceBps uint32
	Override     bool
}

// SettleResult carries the price validation next to the submission.
type SettleResult struct {
	Result
	Validation *pricing.Validation
}

// Settle reads the trade and the oracle concurrently, validates the agreed
// price and submits settlement when the gate allows it.
func (c *Coordinator) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	var (
		inst   *escrow.Instance
		market *big.Rat
		source pricing.Source
		warn   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := c.read(gctx, escrow.KindOTC, req.Address)
		inst = snap
		return err
	})
	if c.oracle != nil {
		g.Go(func() error {
			// Oracle failures never fail the settlement read; the gate
			// decides what a missing or fallback price means.
			market, source, warn = c.oracle.MarketPrice(gctx, req.Base, req.Quote)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SettleResult{}, err
	}

	var validation *pricing.Validation
	if market != nil {
		agreed, err := pricing.AgreedPrice(inst.Amounts.AmountA, inst.Amounts.AmountB, inst.Tokens.DecimalsA, inst.Tokens.DecimalsB)
		if err != nil {
			return SettleResult{}, err
		}
		tolerance := req.ToleranceBps
		if tolerance == 0 {
			tolerance = c.toleranceBps
		}
		v, err := pricing.Validate(agreed, market, tolerance)
		if err != nil {
			return SettleResult{}, err
		}
		v.Source = source
		if source == pricing.SourceFallback {
			v.Warning = warn
		}
		validation = &v
	} else if warn != nil {
		c.logger.Warn("settlement without market price",
			slog.String("address", req.Address.Hex()),
			slog.Any("error", warn))
	}

	decision := c.gate.CanSettle(inst, validation, req.Override)
	c.metrics.ObserveDecision(string(escrow.ActionSettle), string(decision.Code))
	out := SettleResult{Result: Result{Decision: decision}, Validation: validation}
	if !decision.Allowed {
		return out, fmt.Errorf("%w: %w", ErrDenied, decision.Err())
	}
	if decision.Code == escrow.ReasonForced {
		c.logger.Warn("settlement forced",
			slog.String("address", req.Address.Hex()),
			slog.String("actor", req.Actor.Hex()),
			slog.String("reason", decision.Reason))
	}
	res, err := c.submit(ctx, escrow.KindOTC, req.Address, escrow.Request{Action: escrow.ActionSettle, Actor: req.Actor}, decision)
	out.Result = res
	return out, err
}

// Confirm waits for txHash and reconciles the mirror with the escrow state
// that follows it.
func (c *Coordinator) Confirm(ctx context.Context, kind escrow.Kind, addr common.Address, txHash common.Hash) (mirror.Outcome, error) {
	if c.confirmer == nil {
		return mirror.Outcome{}, fmt.Errorf("coordinator: confirmer not configured")
	}
	if _, err := c.confirmer.AwaitConfirmation(ctx, txHash); err != nil {
		return mirror.Outcome{}, err
	}
	snap, err := c.reader.ReadEscrow(ctx, kind, addr)
	if err != nil {
		return mirror.Outcome{}, err
	}
	return c.mirror.Reconcile(context.WithoutCancel(ctx), snap)
}

func (c *Coordinator) submit(ctx context.Context, kind escrow.Kind, addr common.Address, req escrow.Request, decision escrow.Decision, args ...any) (Result, error) {
	res := Result{Decision: decision}
	if c.writer == nil {
		return res, fmt.Errorf("coordinator: writer not configured")
	}
	hash, err := c.writer.Submit(ctx, kind, addr, req.Action, args...)
	if err != nil {
		return res, err
	}
	res.TxHash = hash
	key := mirror.Key{Address: addr}
	if req.Action.MilestoneScoped() {
		key.Milestone = req.MilestoneID
	}
	rec, err := c.mirror.RecordOptimistic(context.WithoutCancel(ctx), key, string(req.Action), hash)
	if err != nil {
		// The transaction is already out; the next reconcile restores history.
		c.logger.Warn("optimistic record failed",
			slog.String("address", addr.Hex()),
			slog.String("tx", hash.Hex()),
			slog.Any("error", err))
		return res, fmt.Errorf("coordinator: record %s: %w", hash.Hex(), err)
	}
	res.Record = rec
	return res, nil
}

// read fetches a snapshot and folds it into the mirror. Stale outcomes are
// expected under concurrent pollers and do not fail the read.
func (c *Coordinator) read(ctx context.Context, kind escrow.Kind, addr common.Address) (*escrow.Instance, error) {
	inst, err := c.reader.ReadEscrow(ctx, kind, addr)
	if err != nil {
		return nil, err
	}
	if _, err := c.mirror.Reconcile(context.WithoutCancel(ctx), inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (c *Coordinator) fillAllowance(ctx context.Context, inst *escrow.Instance, req *escrow.Request) error {
	if req.Allowance != nil || c.allowances == nil {
		return nil
	}
	var token common.Address
	switch req.Action {
	case escrow.ActionMakerLock:
		token = inst.Tokens.A
	case escrow.ActionTakerLock:
		token = inst.Tokens.B
	case escrow.ActionFund, escrow.ActionPurchase:
		token = inst.Tokens.Payment
	default:
		return nil
	}
	if token == (common.Address{}) {
		return nil
	}
	allowance, err := c.allowances.Allowance(ctx, token, req.Actor, inst.Address)
	if err != nil {
		return err
	}
	req.Allowance = allowance
	return nil
}
