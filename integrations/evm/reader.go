package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowcoord/native/escrow"
)

var (
	// ErrLedgerRead wraps failed RPC reads. Callers may retry.
	ErrLedgerRead = errors.New("evm: ledger read failed")
	// ErrLedgerWrite wraps failed submissions and reverted transactions.
	// Writes are never retried automatically.
	ErrLedgerWrite = errors.New("evm: ledger write failed")
)

// DefaultMaxMilestones bounds how many milestones a project read fetches.
const DefaultMaxMilestones = 256

// Client defines the subset of the Ethereum RPC used by this package.
type Client interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Reader reads escrow snapshots from deployed escrow contracts. Every read
// is pinned to a single block so the snapshot is internally consistent.
type Reader struct {
	client        Client
	fromBlock     uint64
	maxMilestones uint64
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// ReaderOption customises a Reader.
type ReaderOption func(*Reader)

// WithFromBlock sets the first block scanned for lifecycle events.
func WithFromBlock(block uint64) ReaderOption {
	return func(r *Reader) { r.fromBlock = block }
}

// WithMaxMilestones bounds the number of milestones fetched per project.
func WithMaxMilestones(n uint64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxMilestones = n
		}
	}
}

// WithReaderLogger overrides the logger.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReader constructs a ledger reader.
func NewReader(client Client, opts ...ReaderOption) (*Reader, error) {
	if client == nil {
		return nil, fmt.Errorf("evm: client required")
	}
	r := &Reader{
		client:        client,
		maxMilestones: DefaultMaxMilestones,
		logger:        slog.Default(),
		tracer:        otel.Tracer("escrowcoord/integrations/evm"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With(slog.String("component", "ledger-reader"))
	return r, nil
}

// ReadEscrow reads the escrow at addr. Out-of-range status codes surface
// escrow.ErrUnrecognizedStatus unwrapped by ErrLedgerRead so callers never
// retry them.
func (r *Reader) ReadEscrow(ctx context.Context, kind escrow.Kind, addr common.Address) (inst *escrow.Instance, err error) {
	ctx, span := r.tracer.Start(ctx, "evm.ReadEscrow", trace.WithAttributes(
		attribute.String("escrow.kind", kind.String()),
		attribute.String("escrow.address", addr.Hex()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", escrow.ErrUnknownKind, uint8(kind))
	}
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %w", ErrLedgerRead, err)
	}
	block := new(big.Int).SetUint64(head)

	switch kind {
	case escrow.KindOTC:
		inst, err = r.readTrade(ctx, addr, block)
	case escrow.KindNFT:
		inst, err = r.readDeal(ctx, addr, block)
	case escrow.KindFreelance:
		inst, err = r.readProject(ctx, addr, block)
	}
	if err != nil {
		return nil, err
	}
	inst.Kind = kind
	inst.Address = addr
	inst.BlockNumber = head
	inst.ObservedAt = r.now()

	history, err := r.readHistory(ctx, kind, addr, block)
	if err != nil {
		return nil, err
	}
	inst.History = history

	if err := inst.Validate(); err != nil {
		if errors.Is(err, escrow.ErrUnrecognizedStatus) {
			r.logger.Error("escrow reported unrecognized status",
				slog.String("address", addr.Hex()),
				slog.String("kind", kind.String()),
				slog.Int("status", int(inst.Status)),
				slog.Any("error", err))
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("escrow.status", int(inst.Status)), attribute.Int64("ledger.block", int64(head)))
	return inst, nil
}

func (r *Reader) readTrade(ctx context.Context, addr common.Address, block *big.Int) (*escrow.Instance, error) {
	out, err := r.call(ctx, TradeEscrowABI, addr, block, "getTradeState")
	if err != nil {
		return nil, err
	}
	d := decoder{method: "getTradeState", values: out}
	inst := &escrow.Instance{
		Status: d.u8(0),
		Participants: map[escrow.Role]common.Address{
			escrow.RoleMaker: d.addr(1),
			escrow.RoleTaker: d.addr(2),
		},
		Tokens: escrow.Tokens{
			A:         d.addr(3),
			B:         d.addr(4),
			DecimalsA: d.u8(5),
			DecimalsB: d.u8(6),
		},
		Amounts: escrow.Amounts{AmountA: d.num(7), AmountB: d.num(8)},
	}
	inst.Deadline = int64(d.u64(9))
	return inst, d.err
}

func (r *Reader) readDeal(ctx context.Context, addr common.Address, block *big.Int) (*escrow.Instance, error) {
	out, err := r.call(ctx, DealEscrowABI, addr, block, "getDealState")
	if err != nil {
		return nil, err
	}
	d := decoder{method: "getDealState", values: out}
	inst := &escrow.Instance{
		Status: d.u8(0),
		Participants: map[escrow.Role]common.Address{
			escrow.RoleWLHolder:        d.addr(1),
			escrow.RoleCapitalProvider: d.addr(2),
		},
		Tokens:  escrow.Tokens{Payment: d.addr(3)},
		Amounts: escrow.Amounts{MintPrice: d.num(4), SplitBps: uint32(d.u16(5))},
		Approval: &escrow.Approval{
			WLApproved:      d.flag(7),
			CapitalApproved: d.flag(8),
			Price:           d.num(9),
			Buyer:           d.addr(10),
		},
	}
	inst.Deadline = int64(d.u64(6))
	return inst, d.err
}

func (r *Reader) readProject(ctx context.Context, addr common.Address, block *big.Int) (*escrow.Instance, error) {
	out, err := r.call(ctx, ProjectEscrowABI, addr, block, "getProject")
	if err != nil {
		return nil, err
	}
	d := decoder{method: "getProject", values: out}
	inst := &escrow.Instance{
		Status: d.u8(0),
		Participants: map[escrow.Role]common.Address{
			escrow.RoleClient:  d.addr(1),
			escrow.RoleArbiter: d.addr(2),
		},
		Tokens:  escrow.Tokens{Payment: d.addr(3)},
		Amounts: escrow.Amounts{TotalAmount: d.num(4)},
	}
	count := d.num(5)
	if d.err != nil {
		return nil, d.err
	}
	if !count.IsUint64() || count.Uint64() > r.maxMilestones {
		return nil, fmt.Errorf("%w: project reports %s milestones", escrow.ErrInconsistentSnapshot, count)
	}
	for id := uint64(1); id <= count.Uint64(); id++ {
		m, err := r.readMilestone(ctx, addr, block, id)
		if err != nil {
			return nil, err
		}
		inst.Milestones = append(inst.Milestones, m)
	}
	return inst, nil
}

func (r *Reader) readMilestone(ctx context.Context, addr common.Address, block *big.Int, id uint64) (*escrow.Milestone, error) {
	arg := new(big.Int).SetUint64(id)
	out, err := r.call(ctx, ProjectEscrowABI, addr, block, "getMilestone", arg)
	if err != nil {
		return nil, err
	}
	d := decoder{method: "getMilestone", values: out}
	m := &escrow.Milestone{
		ID:             id,
		Worker:         d.addr(0),
		Amount:         d.num(1),
		Deadline:       int64(d.u64(2)),
		RevisionLimit:  uint32(d.u8(3)),
		RevisionCount:  uint32(d.u8(4)),
		Status:         escrow.MilestoneStatus(d.u8(5)),
		PreviousStatus: escrow.MilestoneStatus(d.u8(6)),
		ProofURI:       d.str(7),
	}
	if d.err != nil {
		return nil, d.err
	}

	out, err = r.call(ctx, ProjectEscrowABI, addr, block, "getDependencies", arg)
	if err != nil {
		return nil, err
	}
	d = decoder{method: "getDependencies", values: out}
	for _, dep := range d.nums(0) {
		if !dep.IsUint64() {
			return nil, fmt.Errorf("%w: milestone %d dependency %s out of range", escrow.ErrInconsistentSnapshot, id, dep)
		}
		m.Dependencies = append(m.Dependencies, dep.Uint64())
	}
	return m, d.err
}

// readHistory maps lifecycle events emitted by the escrow into ledger steps,
// oldest first.
func (r *Reader) readHistory(ctx context.Context, kind escrow.Kind, addr common.Address, block *big.Int) ([]escrow.LedgerStep, error) {
	events := escrow.LedgerEvents(kind)
	byTopic := make(map[common.Hash]escrow.LedgerEvent, len(events))
	topics := make([]common.Hash, 0, len(events))
	for _, ev := range events {
		topic := gethcrypto.Keccak256Hash([]byte(ev.Signature))
		byTopic[topic] = ev
		topics = append(topics, topic)
	}
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.fromBlock),
		ToBlock:   block,
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %w", ErrLedgerRead, err)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	var steps []escrow.LedgerStep
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		ev, ok := byTopic[lg.Topics[0]]
		if !ok {
			continue
		}
		step := escrow.LedgerStep{Step: string(ev.Step), TxHash: lg.TxHash, BlockNumber: lg.BlockNumber}
		if ev.Milestone {
			if len(lg.Topics) < 2 {
				r.logger.Warn("milestone event without id topic", slog.String("tx", lg.TxHash.Hex()))
				continue
			}
			id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
			if !id.IsUint64() || id.Sign() == 0 {
				continue
			}
			step.MilestoneID = id.Uint64()
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Allowance reads the ERC-20 allowance owner granted to spender.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := r.call(ctx, ERC20ABI, token, nil, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	d := decoder{method: "allowance", values: out}
	value := d.num(0)
	return value, d.err
}

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrLedgerRead, method, to.Hex(), err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", escrow.ErrInconsistentSnapshot, method, err)
	}
	return out, nil
}

// decoder converts unpacked ABI values, keeping the first type error.
type decoder struct {
	method string
	values []any
	err    error
}

func (d *decoder) at(i int) any {
	if i >= len(d.values) {
		d.fail(i, "missing")
		return nil
	}
	return d.values[i]
}

func (d *decoder) fail(i int, what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s output %d %s", escrow.ErrInconsistentSnapshot, d.method, i, what)
	}
}

func (d *decoder) u8(i int) uint8 {
	v, ok := d.at(i).(uint8)
	if !ok {
		d.fail(i, "not uint8")
	}
	return v
}

func (d *decoder) u16(i int) uint16 {
	v, ok := d.at(i).(uint16)
	if !ok {
		d.fail(i, "not uint16")
	}
	return v
}

func (d *decoder) u64(i int) uint64 {
	v, ok := d.at(i).(uint64)
	if !ok {
		d.fail(i, "not uint64")
	}
	return v
}

func (d *decoder) flag(i int) bool {
	v, ok := d.at(i).(bool)
	if !ok {
		d.fail(i, "not bool")
	}
	return v
}

func (d *decoder) str(i int) string {
	v, ok := d.at(i).(string)
	if !ok {
		d.fail(i, "not string")
	}
	return v
}

func (d *decoder) addr(i int) common.Address {
	v, ok := d.at(i).(common.Address)
	if !ok {
		d.fail(i, "not address")
	}
	return v
}

func (d *decoder) num(i int) *big.Int {
	v, ok := d.at(i).(*big.Int)
	if !ok || v == nil {
		d.fail(i, "not uint256")
		return new(big.Int)
	}
	return v
}

func (d *decoder) nums(i int) []*big.Int {
	v, ok := d.at(i).([]*big.Int)
	if !ok {
		d.fail(i, "not uint256[]")
	}
	return v
}
