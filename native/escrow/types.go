package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Amounts carries the value terms of an escrow. Only the fields relevant to
// the instance kind are populated.
type Amounts struct {
	// AmountA and AmountB are the OTC legs locked by maker and taker.
	AmountA *big.Int `json:"amountA,omitempty"`
	AmountB *big.Int `json:"amountB,omitempty"`
	// MintPrice is deposited by the NFT capital provider.
	MintPrice *big.Int `json:"mintPrice,omitempty"`
	// SplitBps is the WL holder's share of sale proceeds in basis points.
	SplitBps uint32 `json:"splitBps,omitempty"`
	// TotalAmount is the sum committed to a freelance project.
	TotalAmount *big.Int `json:"totalAmount,omitempty"`
}

// Tokens identifies the ERC-20 assets moved by an escrow. Payment is the
// settlement token of NFT and freelance escrows.
type Tokens struct {
	A         common.Address `json:"tokenA,omitempty"`
	B         common.Address `json:"tokenB,omitempty"`
	DecimalsA uint8          `json:"decimalsA,omitempty"`
	DecimalsB uint8          `json:"decimalsB,omitempty"`
	Payment   common.Address `json:"payment,omitempty"`
}

// Approval carries the NFT sale approval flags and the agreed sale terms.
type Approval struct {
	WLApproved      bool           `json:"wlApproved"`
	CapitalApproved bool           `json:"capitalApproved"`
	Price           *big.Int       `json:"price,omitempty"`
	Buyer           common.Address `json:"buyer"`
}

// TermsSet reports whether a non-default (price, buyer) pair was agreed.
func (a *Approval) TermsSet() bool {
	if a == nil {
		return false
	}
	return a.Price != nil && a.Price.Sign() > 0 && a.Buyer != (common.Address{})
}

// Clone returns a deep copy of the approval.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Price != nil {
		clone.Price = new(big.Int).Set(a.Price)
	}
	return &clone
}

// LedgerStep is a lifecycle step observed on the ledger through a contract
// event.
type LedgerStep struct {
	Step        string      `json:"step"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	MilestoneID uint64      `json:"milestoneId,omitempty"`
}

// Instance is a snapshot of an escrow contract read from the ledger.
// Deadline is a unix timestamp in seconds; zero means no deadline.
type Instance struct {
	Kind         Kind                    `json:"kind"`
	Address      common.Address          `json:"address"`
	Status       uint8                   `json:"status"`
	Participants map[Role]common.Address `json:"participants,omitempty"`
	Deadline     int64                   `json:"deadline,omitempty"`
	Amounts      Amounts                 `json:"amounts"`
	Tokens       Tokens                  `json:"tokens"`
	Approval     *Approval               `json:"approval,omitempty"`
	Milestones   []*Milestone            `json:"milestones,omitempty"`
	BlockNumber  uint64                  `json:"blockNumber,omitempty"`
	History      []LedgerStep            `json:"history,omitempty"`
	ObservedAt   time.Time               `json:"observedAt"`
}

// Participant returns the address bound to the role.
func (i *Instance) Participant(role Role) (common.Address, bool) {
	if i == nil || i.Participants == nil {
		return common.Address{}, false
	}
	addr, ok := i.Participants[role]
	if !ok || addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// HasRole reports whether actor holds the role on the instance. Milestone
// workers are resolved through the milestone, not the participant map.
func (i *Instance) HasRole(actor common.Address, role Role, milestone *Milestone) bool {
	switch role {
	case RoleAnyone:
		return true
	case RoleNone:
		return false
	case RoleCoInvestors:
		return i.HasRole(actor, RoleWLHolder, nil) || i.HasRole(actor, RoleCapitalProvider, nil)
	case RoleBuyer:
		if i.Approval != nil && i.Approval.Buyer != (common.Address{}) {
			return i.Approval.Buyer == actor
		}
	case RoleWorker:
		if milestone != nil && milestone.Worker != (common.Address{}) {
			return milestone.Worker == actor
		}
	}
	addr, ok := i.Participant(role)
	return ok && addr == actor
}

// ParticipantAddresses lists the distinct non-zero addresses involved in the
// escrow, including milestone workers and an agreed NFT buyer.
func (i *Instance) ParticipantAddresses() []common.Address {
	if i == nil {
		return nil
	}
	seen := make(map[common.Address]struct{})
	var out []common.Address
	add := func(addr common.Address) {
		if addr == (common.Address{}) {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, role := range participantRoleOrder {
		add(i.Participants[role])
	}
	if i.Approval != nil {
		add(i.Approval.Buyer)
	}
	for _, m := range i.Milestones {
		if m != nil {
			add(m.Worker)
		}
	}
	return out
}

var participantRoleOrder = []Role{
	RoleMaker, RoleTaker,
	RoleWLHolder, RoleCapitalProvider, RoleBuyer,
	RoleClient, RoleWorker, RoleArbiter,
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Participants != nil {
		clone.Participants = make(map[Role]common.Address, len(i.Participants))
		for role, addr := range i.Participants {
			clone.Participants[role] = addr
		}
	}
	clone.Amounts = Amounts{
		AmountA:     cloneBig(i.Amounts.AmountA),
		AmountB:     cloneBig(i.Amounts.AmountB),
		MintPrice:   cloneBig(i.Amounts.MintPrice),
		SplitBps:    i.Amounts.SplitBps,
		TotalAmount: cloneBig(i.Amounts.TotalAmount),
	}
	clone.Approval = i.Approval.Clone()
	if i.Milestones != nil {
		clone.Milestones = make([]*Milestone, len(i.Milestones))
		for idx, m := range i.Milestones {
			clone.Milestones[idx] = m.Clone()
		}
	}
	if i.History != nil {
		clone.History = append([]LedgerStep(nil), i.History...)
	}
	return &clone
}

// Validate ensures the snapshot is structurally sound before it is derived or
// mirrored. Out-of-range status codes surface ErrUnrecognizedStatus.
func (i *Instance) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: nil instance", ErrInconsistentSnapshot)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(i.Kind))
	}
	if i.Address == (common.Address{}) {
		return fmt.Errorf("%w: escrow address required", ErrInconsistentSnapshot)
	}
	if err := ValidateStatus(i.Kind, i.Status); err != nil {
		return err
	}
	for _, amt := range []*big.Int{i.Amounts.AmountA, i.Amounts.AmountB, i.Amounts.MintPrice, i.Amounts.TotalAmount} {
		if amt != nil && amt.Sign() < 0 {
			return fmt.Errorf("%w: negative amount", ErrInconsistentSnapshot)
		}
	}
	if i.Amounts.SplitBps > 10_000 {
		return fmt.Errorf("%w: split %d bps exceeds 10000", ErrInconsistentSnapshot, i.Amounts.SplitBps)
	}
	if i.Kind == KindFreelance {
		for _, m := range i.Milestones {
			if err := m.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Terminal reports whether the instance's raw status is terminal.
func (i *Instance) Terminal() bool {
	if i == nil {
		return false
	}
	return IsTerminal(i.Kind, i.Status)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// deadlinePassed reports whether a non-zero deadline lies strictly in the
// past.
func deadlinePassed(deadline int64, now time.Time) bool {
	return deadline > 0 && now.Unix() > deadline
}
