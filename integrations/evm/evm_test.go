package evm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"escrowcoord/native/escrow"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	makerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	takerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	tokenA     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type callHandler func(args []any) ([]byte, error)

type fakeClient struct {
	mu       sync.Mutex
	head     uint64
	handlers map[string]callHandler
	logs     []gethtypes.Log
	receipts map[common.Hash]*gethtypes.Receipt
	lastCall ethereum.CallMsg
	lastQ    ethereum.FilterQuery
	callErr  error
}

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{head: head, handlers: make(map[string]callHandler), receipts: make(map[common.Hash]*gethtypes.Receipt)}
}

// on registers a handler that returns outputs packed with method's ABI.
func (c *fakeClient) on(contract abi.ABI, method string, fn func(args []any) []any) {
	m := contract.Methods[method]
	c.handlers[string(m.ID)] = func(args []any) ([]byte, error) {
		return m.Outputs.Pack(fn(args)...)
	}
}

func (c *fakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCall = call
	if c.callErr != nil {
		return nil, c.callErr
	}
	if len(call.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	handler, ok := c.handlers[string(call.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	var args []any
	for _, contract := range []abi.ABI{ProjectEscrowABI, ERC20ABI} {
		if method, err := contract.MethodById(call.Data[:4]); err == nil {
			args, _ = method.Inputs.Unpack(call.Data[4:])
		}
	}
	return handler(args)
}

func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQ = q
	return append([]gethtypes.Log(nil), c.logs...), nil
}

func (c *fakeClient) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeClient) advance(n uint64) {
	c.mu.Lock()
	c.head += n
	c.mu.Unlock()
}

func eventLog(signature string, tx byte, block uint64, index uint, extra ...common.Hash) gethtypes.Log {
	topics := append([]common.Hash{gethcrypto.Keccak256Hash([]byte(signature))}, extra...)
	return gethtypes.Log{
		Address:     escrowAddr,
		Topics:      topics,
		TxHash:      common.BytesToHash([]byte{tx}),
		BlockNumber: block,
		Index:       index,
	}
}

func tradeState(status uint8) func([]any) []any {
	return func([]any) []any {
		return []any{status, makerAddr, takerAddr, tokenA, tokenB, uint8(18), uint8(6),
			big.NewInt(2000), big.NewInt(6_000_000), uint64(1_700_000_000)}
	}
}

func TestReadTradeEscrow(t *testing.T) {
	client := newFakeClient(120)
	client.on(TradeEscrowABI, "getTradeState", tradeState(uint8(escrow.OTCMakerLocked)))
	client.logs = []gethtypes.Log{
		eventLog("MakerLocked(address,uint256)", 0x11, 110, 0),
		eventLog("Transfer(address,address,uint256)", 0x12, 110, 1),
	}
	reader, err := NewReader(client, WithFromBlock(100))
	require.NoError(t, err)

	inst, err := reader.ReadEscrow(context.Background(), escrow.KindOTC, escrowAddr)
	require.NoError(t, err)
	require.Equal(t, escrow.KindOTC, inst.Kind)
	require.Equal(t, uint8(escrow.OTCMakerLocked), inst.Status)
	require.Equal(t, makerAddr, inst.Participants[escrow.RoleMaker])
	require.Equal(t, takerAddr, inst.Participants[escrow.RoleTaker])
	require.Equal(t, uint8(6), inst.Tokens.DecimalsB)
	require.Equal(t, int64(1_700_000_000), inst.Deadline)
	require.Equal(t, 0, inst.Amounts.AmountB.Cmp(big.NewInt(6_000_000)))
	require.Equal(t, uint64(120), inst.BlockNumber)
	require.Equal(t, []escrow.LedgerStep{{Step: "maker_lock", TxHash: common.BytesToHash([]byte{0x11}), BlockNumber: 110}}, inst.History)

	require.Equal(t, uint64(100), client.lastQ.FromBlock.Uint64())
	require.Equal(t, uint64(120), client.lastQ.ToBlock.Uint64())
	require.Equal(t, []common.Address{escrowAddr}, client.lastQ.Addresses)
}

func TestReadDealEscrow(t *testing.T) {
	wl := common.HexToAddress("0x11")
	capital := common.HexToAddress("0x12")
	buyer := common.HexToAddress("0x13")
	client := newFakeClient(7)
	client.on(DealEscrowABI, "getDealState", func([]any) []any {
		return []any{uint8(escrow.NFTMinted), wl, capital, tokenA, big.NewInt(80), uint16(6000), uint64(1500),
			true, true, big.NewInt(240), buyer}
	})
	reader, err := NewReader(client)
	require.NoError(t, err)

	inst, err := reader.ReadEscrow(context.Background(), escrow.KindNFT, escrowAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(6000), inst.Amounts.SplitBps)
	require.True(t, inst.Approval.TermsSet())
	require.Equal(t, buyer, inst.Approval.Buyer)

	phase, err := escrow.DerivePhase(inst, time.Unix(1000, 0))
	require.NoError(t, err)
	require.Equal(t, escrow.PhaseApproved, phase.Name)
	require.False(t, phase.Confirmed)
}

func TestReadProjectEscrow(t *testing.T) {
	client := newFakeClient(50)
	clientAddr := common.HexToAddress("0x31")
	worker := common.HexToAddress("0x32")
	client.on(ProjectEscrowABI, "getProject", func([]any) []any {
		return []any{uint8(escrow.ProjectOpen), clientAddr, common.HexToAddress("0x33"), tokenA, big.NewInt(300), big.NewInt(2)}
	})
	client.on(ProjectEscrowABI, "getMilestone", func(args []any) []any {
		id := args[0].(*big.Int).Uint64()
		status := uint8(escrow.MilestoneApproved)
		if id == 2 {
			status = uint8(escrow.MilestoneSubmitted)
		}
		return []any{worker, big.NewInt(int64(id * 100)), uint64(0), uint8(2), uint8(0), status, uint8(0), "ipfs://proof"}
	})
	client.on(ProjectEscrowABI, "getDependencies", func(args []any) []any {
		if args[0].(*big.Int).Uint64() == 2 {
			return []any{[]*big.Int{big.NewInt(1)}}
		}
		return []any{[]*big.Int{}}
	})
	client.logs = []gethtypes.Log{
		eventLog("MilestoneSubmitted(uint256,string)", 0x22, 48, 0, common.BigToHash(big.NewInt(2))),
		eventLog("MilestoneApproved(uint256)", 0x21, 40, 3, common.BigToHash(big.NewInt(1))),
	}
	reader, err := NewReader(client)
	require.NoError(t, err)

	inst, err := reader.ReadEscrow(context.Background(), escrow.KindFreelance, escrowAddr)
	require.NoError(t, err)
	require.Len(t, inst.Milestones, 2)
	require.Equal(t, []uint64{1}, inst.Milestones[1].Dependencies)
	require.Equal(t, "ipfs://proof", inst.Milestones[0].ProofURI)
	require.Equal(t, escrow.MilestoneSubmitted, inst.Milestones[1].Status)

	require.Len(t, inst.History, 2)
	require.Equal(t, uint64(1), inst.History[0].MilestoneID)
	require.Equal(t, "approve", inst.History[0].Step)
	require.Equal(t, uint64(2), inst.History[1].MilestoneID)
}

func TestReadUnrecognizedStatusIsNotARetryableReadError(t *testing.T) {
	client := newFakeClient(1)
	client.on(TradeEscrowABI, "getTradeState", tradeState(9))
	reader, err := NewReader(client)
	require.NoError(t, err)

	_, err = reader.ReadEscrow(context.Background(), escrow.KindOTC, escrowAddr)
	require.ErrorIs(t, err, escrow.ErrUnrecognizedStatus)
	require.NotErrorIs(t, err, ErrLedgerRead)
}

func TestReadRPCFailure(t *testing.T) {
	client := newFakeClient(1)
	client.callErr = errors.New("dial tcp: connection refused")
	reader, err := NewReader(client)
	require.NoError(t, err)

	_, err = reader.ReadEscrow(context.Background(), escrow.KindOTC, escrowAddr)
	require.ErrorIs(t, err, ErrLedgerRead)
}

func TestAllowance(t *testing.T) {
	client := newFakeClient(1)
	client.on(ERC20ABI, "allowance", func(args []any) []any {
		require.Equal(t, makerAddr, args[0])
		require.Equal(t, escrowAddr, args[1])
		return []any{big.NewInt(2500)}
	})
	reader, err := NewReader(client)
	require.NoError(t, err)

	got, err := reader.Allowance(context.Background(), tokenA, makerAddr, escrowAddr)
	require.NoError(t, err)
	require.Equal(t, int64(2500), got.Int64())
	require.Equal(t, tokenA, *client.lastCall.To)
}

func TestPoolSource(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000f0")
	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	client := newFakeClient(1)
	client.on(PoolABI, "slot0", func([]any) []any {
		return []any{sqrt, big.NewInt(-5), uint16(1), uint16(1), uint16(1), uint8(0), true}
	})
	got, err := NewPoolSource(client).ReadPoolPrice(context.Background(), pool)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(sqrt))
	require.Equal(t, pool, *client.lastCall.To)
}

func TestConfirmerWaitsForDepth(t *testing.T) {
	client := newFakeClient(10)
	hash := common.HexToHash("0xabc")
	confirmer := NewConfirmer(client, 3, time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		client.mu.Lock()
		client.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
		client.mu.Unlock()
		for i := 0; i < 2; i++ {
			time.Sleep(5 * time.Millisecond)
			client.advance(1)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	receipt, err := confirmer.AwaitConfirmation(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, int64(10), receipt.BlockNumber.Int64())
	head, _ := client.BlockNumber(ctx)
	require.GreaterOrEqual(t, head, uint64(12))
}

func TestConfirmerReverted(t *testing.T) {
	client := newFakeClient(10)
	hash := common.HexToHash("0xdef")
	client.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}
	receipt, err := NewConfirmer(client, 1, time.Millisecond).AwaitConfirmation(context.Background(), hash)
	require.ErrorIs(t, err, ErrLedgerWrite)
	require.NotNil(t, receipt)
}

func TestConfirmerContextExpires(t *testing.T) {
	client := newFakeClient(10)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewConfirmer(client, 0, time.Millisecond).AwaitConfirmation(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContractWriterSubmit(t *testing.T) {
	var sent []byte
	sender := SenderFunc(func(_ context.Context, to common.Address, data []byte) (common.Hash, error) {
		require.Equal(t, escrowAddr, to)
		sent = data
		return common.HexToHash("0x77"), nil
	})
	writer := NewContractWriter(sender, nil)

	hash, err := writer.Submit(context.Background(), escrow.KindFreelance, escrowAddr, escrow.ActionSubmit, big.NewInt(2), "ipfs://cid")
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x77"), hash)
	require.True(t, bytes.Equal(ProjectEscrowABI.Methods["submitMilestone"].ID, sent[:4]))

	_, err = writer.Submit(context.Background(), escrow.KindOTC, escrowAddr, escrow.ActionSubmit)
	require.ErrorIs(t, err, escrow.ErrPreconditionUnmet)
}

func TestContractWriterSenderFailure(t *testing.T) {
	sender := SenderFunc(func(context.Context, common.Address, []byte) (common.Hash, error) {
		return common.Hash{}, errors.New("nonce too low")
	})
	_, err := NewContractWriter(sender, nil).Submit(context.Background(), escrow.KindOTC, escrowAddr, escrow.ActionSettle)
	require.ErrorIs(t, err, ErrLedgerWrite)
}
