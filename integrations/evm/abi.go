package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"escrowcoord/native/escrow"
)

const tradeEscrowABI = `[
 {"type":"function","name":"getTradeState","stateMutability":"view","inputs":[],"outputs":[
  {"name":"status","type":"uint8"},
  {"name":"maker","type":"address"},
  {"name":"taker","type":"address"},
  {"name":"tokenA","type":"address"},
  {"name":"tokenB","type":"address"},
  {"name":"decimalsA","type":"uint8"},
  {"name":"decimalsB","type":"uint8"},
  {"name":"amountA","type":"uint256"},
  {"name":"amountB","type":"uint256"},
  {"name":"deadline","type":"uint64"}]},
 {"type":"function","name":"makerLock","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"takerLock","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"settle","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const dealEscrowABI = `[
 {"type":"function","name":"getDealState","stateMutability":"view","inputs":[],"outputs":[
  {"name":"status","type":"uint8"},
  {"name":"wlHolder","type":"address"},
  {"name":"capitalProvider","type":"address"},
  {"name":"paymentToken","type":"address"},
  {"name":"mintPrice","type":"uint256"},
  {"name":"splitBps","type":"uint16"},
  {"name":"deadline","type":"uint64"},
  {"name":"wlApproved","type":"bool"},
  {"name":"capitalApproved","type":"bool"},
  {"name":"salePrice","type":"uint256"},
  {"name":"buyer","type":"address"}]},
 {"type":"function","name":"fund","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"approveSale","stateMutability":"nonpayable","inputs":[
  {"name":"price","type":"uint256"},
  {"name":"buyer","type":"address"}],"outputs":[]},
 {"type":"function","name":"purchase","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"split","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const projectEscrowABI = `[
 {"type":"function","name":"getProject","stateMutability":"view","inputs":[],"outputs":[
  {"name":"status","type":"uint8"},
  {"name":"client","type":"address"},
  {"name":"arbiter","type":"address"},
  {"name":"paymentToken","type":"address"},
  {"name":"totalAmount","type":"uint256"},
  {"name":"milestoneCount","type":"uint256"}]},
 {"type":"function","name":"getMilestone","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[
  {"name":"worker","type":"address"},
  {"name":"amount","type":"uint256"},
  {"name":"deadline","type":"uint64"},
  {"name":"revisionLimit","type":"uint8"},
  {"name":"revisionCount","type":"uint8"},
  {"name":"status","type":"uint8"},
  {"name":"previousStatus","type":"uint8"},
  {"name":"proofURI","type":"string"}]},
 {"type":"function","name":"getDependencies","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[
  {"name":"ids","type":"uint256[]"}]},
 {"type":"function","name":"submitMilestone","stateMutability":"nonpayable","inputs":[
  {"name":"id","type":"uint256"},
  {"name":"proofURI","type":"string"}],"outputs":[]},
 {"type":"function","name":"requestRevision","stateMutability":"nonpayable","inputs":[
  {"name":"id","type":"uint256"},
  {"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"approveMilestone","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"releasePayment","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[
  {"name":"id","type":"uint256"},
  {"name":"outcome","type":"uint8"}],"outputs":[]}
]`

const erc20ABI = `[
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[
  {"name":"owner","type":"address"},
  {"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const poolABI = `[
 {"type":"function","name":"slot0","stateMutability":"view","inputs":[],"outputs":[
  {"name":"sqrtPriceX96","type":"uint160"},
  {"name":"tick","type":"int24"},
  {"name":"observationIndex","type":"uint16"},
  {"name":"observationCardinality","type":"uint16"},
  {"name":"observationCardinalityNext","type":"uint16"},
  {"name":"feeProtocol","type":"uint8"},
  {"name":"unlocked","type":"bool"}]}
]`

var (
	TradeEscrowABI   = mustParseABI(tradeEscrowABI)
	DealEscrowABI    = mustParseABI(dealEscrowABI)
	ProjectEscrowABI = mustParseABI(projectEscrowABI)
	ERC20ABI         = mustParseABI(erc20ABI)
	PoolABI          = mustParseABI(poolABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid abi: %v", err))
	}
	return parsed
}

// ContractABI returns the escrow contract interface for kind.
func ContractABI(kind escrow.Kind) (abi.ABI, error) {
	switch kind {
	case escrow.KindOTC:
		return TradeEscrowABI, nil
	case escrow.KindNFT:
		return DealEscrowABI, nil
	case escrow.KindFreelance:
		return ProjectEscrowABI, nil
	default:
		return abi.ABI{}, fmt.Errorf("%w: %d", escrow.ErrUnknownKind, uint8(kind))
	}
}

var actionMethods = map[escrow.Kind]map[escrow.Action]string{
	escrow.KindOTC: {
		escrow.ActionMakerLock: "makerLock",
		escrow.ActionTakerLock: "takerLock",
		escrow.ActionSettle:    "settle",
		escrow.ActionRefund:    "refund",
	},
	escrow.KindNFT: {
		escrow.ActionFund:        "fund",
		escrow.ActionMint:        "mint",
		escrow.ActionApproveSale: "approveSale",
		escrow.ActionPurchase:    "purchase",
		escrow.ActionSplit:       "split",
		escrow.ActionRefund:      "refund",
	},
	escrow.KindFreelance: {
		escrow.ActionSubmit:          "submitMilestone",
		escrow.ActionRequestRevision: "requestRevision",
		escrow.ActionApprove:         "approveMilestone",
		escrow.ActionRelease:         "releasePayment",
		escrow.ActionDispute:         "raiseDispute",
		escrow.ActionResolveDispute:  "resolveDispute",
	},
}

// Calldata ABI-encodes the contract call that performs action.
func Calldata(kind escrow.Kind, action escrow.Action, args ...any) ([]byte, error) {
	contract, err := ContractABI(kind)
	if err != nil {
		return nil, err
	}
	method, ok := actionMethods[kind][action]
	if !ok {
		return nil, fmt.Errorf("%w: action %q has no %s contract method", escrow.ErrPreconditionUnmet, action, kind)
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	return data, nil
}
