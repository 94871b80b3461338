package escrow

import (
	"fmt"
	"math/big"
	"time"
)

// PhaseName is the canonical label of a lifecycle phase.
type PhaseName string

const (
	PhaseAwaitingMakerLock PhaseName = "awaiting_maker_lock"
	PhaseAwaitingTakerLock PhaseName = "awaiting_taker_lock"
	PhaseReadyToSettle     PhaseName = "ready_to_settle"
	PhaseSettled           PhaseName = "settled"
	PhaseRefunded          PhaseName = "refunded"

	PhaseAwaitingFunding         PhaseName = "awaiting_funding"
	PhaseAwaitingMint            PhaseName = "awaiting_mint"
	PhaseAwaitingApprovals       PhaseName = "awaiting_approvals"
	PhaseAwaitingWLApproval      PhaseName = "awaiting_wl_approval"
	PhaseAwaitingCapitalApproval PhaseName = "awaiting_capital_approval"
	PhaseAwaitingSaleTerms       PhaseName = "awaiting_sale_terms"
	PhaseApproved                PhaseName = "approved"
	PhaseSold                    PhaseName = "sold"
	PhaseSplit                   PhaseName = "split"

	PhaseBlocked            PhaseName = "blocked"
	PhaseAwaitingSubmission PhaseName = "awaiting_submission"
	PhaseAwaitingReview     PhaseName = "awaiting_review"
	PhaseRevisionRequested  PhaseName = "revision_requested"
	PhaseAwaitingPayment    PhaseName = "awaiting_payment"
	PhasePaid               PhaseName = "paid"
	PhaseDisputed           PhaseName = "disputed"
	PhaseCancelled          PhaseName = "cancelled"
	PhaseAwaitingClosure    PhaseName = "awaiting_closure"
	PhaseCompleted          PhaseName = "completed"
)

// Progress aggregates milestone completion for freelance projects.
type Progress struct {
	Completed   int      `json:"completed"`
	Total       int      `json:"total"`
	TotalPaid   *big.Int `json:"totalPaid"`
	TotalAmount *big.Int `json:"totalAmount"`
}

// Phase is the derived lifecycle position of an escrow together with the role
// expected to act next.
type Phase struct {
	Kind        Kind      `json:"kind,omitempty"`
	Name        PhaseName `json:"name"`
	ActingRole  Role      `json:"actingRole"`
	Description string    `json:"description"`
	Status      uint8     `json:"status"`
	Terminal    bool      `json:"terminal"`
	// RefundAvailable is set alongside the primary label once the deadline
	// of a refundable state has passed.
	RefundAvailable bool `json:"refundAvailable"`
	// Confirmed is false when the phase is derived from auxiliary flags that
	// the raw status does not reflect yet.
	Confirmed   bool      `json:"confirmed"`
	MilestoneID uint64    `json:"milestoneId,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
}

// DerivePhase computes the canonical phase of the instance at the supplied
// time. It is a pure function of the snapshot and the clock.
func DerivePhase(inst *Instance, now time.Time) (Phase, error) {
	if inst == nil {
		return Phase{}, fmt.Errorf("%w: nil instance", ErrInconsistentSnapshot)
	}
	switch inst.Kind {
	case KindOTC:
		return DeriveOTCPhase(inst.Status, inst.Deadline, now)
	case KindNFT:
		return DeriveNFTPhase(inst.Status, inst.Approval, inst.Deadline, now)
	case KindFreelance:
		return DeriveFreelancePhase(inst.Status, inst.Milestones, inst.Amounts.TotalAmount, now)
	default:
		return Phase{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(inst.Kind))
	}
}
