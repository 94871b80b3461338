package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"escrowcoord/core/pricing"
)

// ReasonCode classifies a gate decision.
type ReasonCode string

const (
	ReasonOK                 ReasonCode = "ok"
	ReasonForced             ReasonCode = "forced"
	ReasonNotAuthorized      ReasonCode = "not_authorized"
	ReasonDeadlinePassed     ReasonCode = "deadline_passed"
	ReasonPreconditionUnmet  ReasonCode = "precondition_unmet"
	ReasonUnrecognizedStatus ReasonCode = "unrecognized_status"
)

// ForcedDeviationReason is reported when a settlement proceeds through an
// explicit override despite a failed price validation.
const ForcedDeviationReason = "forced despite price deviation"

// Request describes a proposed party-initiated transition.
type Request struct {
	Action      Action
	Actor       common.Address
	MilestoneID uint64
	// Allowance is the ERC-20 allowance granted by the actor to the escrow.
	// It is only consulted by lock, fund and purchase actions; nil counts as
	// zero.
	Allowance *big.Int
}

// Decision is the structured outcome of a gate check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Code    ReasonCode `json:"code"`
	Reason  string     `json:"reason"`
	Phase   Phase      `json:"phase"`
}

// Err maps a denial onto the matching sentinel error. Allowed decisions
// return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var sentinel error
	switch d.Code {
	case ReasonNotAuthorized:
		sentinel = ErrNotAuthorized
	case ReasonDeadlinePassed:
		sentinel = ErrDeadlinePassed
	case ReasonUnrecognizedStatus:
		sentinel = ErrUnrecognizedStatus
	default:
		sentinel = ErrPreconditionUnmet
	}
	return fmt.Errorf("%w: %s", sentinel, d.Reason)
}

type gateRule struct {
	from          []uint8
	roles         []Role
	deadlineBound bool
}

var (
	otcRules = map[Action]gateRule{
		ActionMakerLock: {from: []uint8{uint8(OTCCreated)}, roles: []Role{RoleMaker}, deadlineBound: true},
		ActionTakerLock: {from: []uint8{uint8(OTCMakerLocked)}, roles: []Role{RoleTaker}, deadlineBound: true},
		ActionSettle:    {from: []uint8{uint8(OTCBothLocked)}, roles: []Role{RoleAnyone}},
		ActionRefund:    {from: []uint8{uint8(OTCCreated), uint8(OTCMakerLocked), uint8(OTCBothLocked)}, roles: []Role{RoleMaker, RoleTaker}},
	}
	nftRules = map[Action]gateRule{
		ActionFund:        {from: []uint8{uint8(NFTCreated)}, roles: []Role{RoleCapitalProvider}, deadlineBound: true},
		ActionMint:        {from: []uint8{uint8(NFTFunded)}, roles: []Role{RoleWLHolder}, deadlineBound: true},
		ActionApproveSale: {from: []uint8{uint8(NFTMinted)}, roles: []Role{RoleCoInvestors}},
		ActionPurchase:    {from: []uint8{uint8(NFTApproved)}, roles: []Role{RoleBuyer}},
		ActionSplit:       {from: []uint8{uint8(NFTSold)}, roles: []Role{RoleAnyone}},
		ActionRefund:      {from: []uint8{uint8(NFTCreated), uint8(NFTFunded)}, roles: []Role{RoleCapitalProvider, RoleWLHolder}},
	}
	milestoneRules = map[Action]gateRule{
		ActionSubmit:          {from: []uint8{uint8(MilestonePending), uint8(MilestoneUnderRevision)}, roles: []Role{RoleWorker}, deadlineBound: true},
		ActionRequestRevision: {from: []uint8{uint8(MilestoneSubmitted)}, roles: []Role{RoleClient}},
		ActionApprove:         {from: []uint8{uint8(MilestoneSubmitted)}, roles: []Role{RoleClient}},
		ActionRelease:         {from: []uint8{uint8(MilestoneApproved)}, roles: []Role{RoleClient}},
		ActionDispute:         {from: []uint8{uint8(MilestonePending), uint8(MilestoneSubmitted), uint8(MilestoneUnderRevision)}, roles: []Role{RoleClient, RoleWorker}},
		ActionResolveDispute:  {from: []uint8{uint8(MilestoneDisputed)}, roles: []Role{RoleArbiter}},
	}
)

// Gatekeeper authorises proposed transitions. It never submits anything.
type Gatekeeper struct {
	now func() time.Time
}

// NewGatekeeper constructs a gatekeeper using the supplied clock.
func NewGatekeeper(now func() time.Time) *Gatekeeper {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Gatekeeper{now: now}
}

// Now exposes the gatekeeper clock so callers derive phases consistently.
func (g *Gatekeeper) Now() time.Time { return g.now() }

// CanTransition checks, in order, that the action exists for the current
// status, that the actor holds the required role, that a deadline-bound
// action is still in time and finally the action-specific preconditions.
func (g *Gatekeeper) CanTransition(inst *Instance, req Request) Decision {
	now := g.now()
	if inst == nil {
		return deny(ReasonPreconditionUnmet, "escrow snapshot missing", Phase{})
	}
	phase, err := DerivePhase(inst, now)
	if err != nil {
		return deny(codeForError(err), err.Error(), phase)
	}
	if inst.Kind == KindFreelance {
		return g.canTransitionMilestone(inst, req, phase, now)
	}

	var rules map[Action]gateRule
	if inst.Kind == KindOTC {
		rules = otcRules
	} else {
		rules = nftRules
	}
	rule, ok := rules[req.Action]
	if !ok {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("action %q is not defined for %s escrows", req.Action, inst.Kind), phase)
	}
	if !containsStatus(rule.from, inst.Status) {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("action %q is not available while %s", req.Action, StatusName(inst.Kind, inst.Status)), phase)
	}
	if !holdsAny(inst, req.Actor, rule.roles, nil) {
		return deny(ReasonNotAuthorized, fmt.Sprintf("%s does not hold %s", req.Actor.Hex(), rolesString(rule.roles)), phase)
	}
	// Only the co-investor whose approval is outstanding may approve.
	if req.Action == ActionApproveSale && !holdsAny(inst, req.Actor, []Role{phase.ActingRole}, nil) {
		return deny(ReasonNotAuthorized, fmt.Sprintf("%s: sale approval awaits %s", phase.Name, phase.ActingRole), phase)
	}
	if req.Action == ActionRefund {
		if !phase.RefundAvailable {
			return deny(ReasonPreconditionUnmet, "refund unavailable until the deadline passes", phase)
		}
		return allow(ReasonOK, "refund available", phase)
	}
	if rule.deadlineBound && deadlinePassed(inst.Deadline, now) {
		return deny(ReasonDeadlinePassed, fmt.Sprintf("deadline %s passed", time.Unix(inst.Deadline, 0).UTC().Format(time.RFC3339)), phase)
	}

	switch req.Action {
	case ActionMakerLock:
		return checkAllowance(req.Allowance, inst.Amounts.AmountA, "token A", phase)
	case ActionTakerLock:
		return checkAllowance(req.Allowance, inst.Amounts.AmountB, "token B", phase)
	case ActionFund:
		return checkAllowance(req.Allowance, inst.Amounts.MintPrice, "mint price", phase)
	case ActionPurchase:
		// The raw status gate above already requires a ledger-confirmed
		// Approved; a pre-displayed approval never reaches this point.
		if inst.Approval == nil || !inst.Approval.TermsSet() {
			return deny(ReasonPreconditionUnmet, "sale terms missing", phase)
		}
		return checkAllowance(req.Allowance, inst.Approval.Price, "sale price", phase)
	}
	return allow(ReasonOK, "", phase)
}

func (g *Gatekeeper) canTransitionMilestone(inst *Instance, req Request, phase Phase, now time.Time) Decision {
	rule, ok := milestoneRules[req.Action]
	if !ok {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("action %q is not defined for freelance escrows", req.Action), phase)
	}
	if ProjectStatus(inst.Status).Terminal() {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("project is %s", ProjectStatus(inst.Status)), phase)
	}
	m := FindMilestone(inst.Milestones, req.MilestoneID)
	if m == nil {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("milestone %d not found", req.MilestoneID), phase)
	}
	milestonePhase, err := DeriveMilestonePhase(m, inst.Milestones, now)
	if err != nil {
		return deny(codeForError(err), err.Error(), phase)
	}
	milestonePhase.Progress = phase.Progress
	if !containsStatus(rule.from, uint8(m.Status)) {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("action %q is not available while milestone %d is %s", req.Action, m.ID, m.Status), milestonePhase)
	}
	if !holdsAny(inst, req.Actor, rule.roles, m) {
		return deny(ReasonNotAuthorized, fmt.Sprintf("%s does not hold %s for milestone %d", req.Actor.Hex(), rolesString(rule.roles), m.ID), milestonePhase)
	}
	if rule.deadlineBound && deadlinePassed(m.Deadline, now) {
		return deny(ReasonDeadlinePassed, fmt.Sprintf("milestone %d deadline passed", m.ID), milestonePhase)
	}
	switch req.Action {
	case ActionSubmit, ActionApprove:
		if blocked := UnsatisfiedDependencies(m, inst.Milestones); len(blocked) > 0 {
			return deny(ReasonPreconditionUnmet, fmt.Sprintf("milestone %d depends on incomplete %s", m.ID, joinIDs(blocked)), milestonePhase)
		}
	case ActionRequestRevision:
		if m.RevisionCount >= m.RevisionLimit {
			return deny(ReasonPreconditionUnmet, fmt.Sprintf("revision limit %d reached for milestone %d", m.RevisionLimit, m.ID), milestonePhase)
		}
	}
	return allow(ReasonOK, "", milestonePhase)
}

// CanSettle authorises OTC settlement against a price validation. A failed
// validation or a fallback-sourced price only passes with an explicit
// override, in which case the decision is allowed but flagged as forced.
func (g *Gatekeeper) CanSettle(inst *Instance, validation *pricing.Validation, override bool) Decision {
	if inst == nil {
		return deny(ReasonPreconditionUnmet, "escrow snapshot missing", Phase{})
	}
	if inst.Kind != KindOTC {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("settlement is not defined for %s escrows", inst.Kind), Phase{Kind: inst.Kind})
	}
	base := g.CanTransition(inst, Request{Action: ActionSettle})
	if !base.Allowed {
		return base
	}
	phase := base.Phase
	if validation == nil {
		if override {
			return allow(ReasonForced, "forced without price validation", phase)
		}
		return deny(ReasonPreconditionUnmet, "price validation required", phase)
	}
	if validation.Source == pricing.SourceFallback {
		if override {
			return allow(ReasonForced, "forced on fallback reference price", phase)
		}
		return deny(ReasonPreconditionUnmet, "oracle unavailable; fallback price requires explicit override", phase)
	}
	if validation.Valid {
		return allow(ReasonOK, fmt.Sprintf("deviation %s%% within %s%%", validation.DeviationString(), validation.ToleranceString()), phase)
	}
	if override {
		return allow(ReasonForced, ForcedDeviationReason, phase)
	}
	return deny(ReasonPreconditionUnmet, fmt.Sprintf("price deviation %s%% exceeds tolerance %s%%", validation.DeviationString(), validation.ToleranceString()), phase)
}

func allow(code ReasonCode, reason string, phase Phase) Decision {
	return Decision{Allowed: true, Code: code, Reason: reason, Phase: phase}
}

func deny(code ReasonCode, reason string, phase Phase) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason, Phase: phase}
}

func codeForError(err error) ReasonCode {
	if errors.Is(err, ErrUnrecognizedStatus) {
		return ReasonUnrecognizedStatus
	}
	return ReasonPreconditionUnmet
}

func checkAllowance(allowance, required *big.Int, what string, phase Phase) Decision {
	if required == nil || required.Sign() == 0 {
		return allow(ReasonOK, "", phase)
	}
	need, overflow := uint256.FromBig(required)
	if overflow {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("%s amount exceeds uint256", what), phase)
	}
	have := new(uint256.Int)
	if allowance != nil && allowance.Sign() > 0 {
		var capped bool
		have, capped = uint256.FromBig(allowance)
		if capped {
			have.SetAllOne()
		}
	}
	if have.Lt(need) {
		return deny(ReasonPreconditionUnmet, fmt.Sprintf("allowance %s below required %s for %s", have.Dec(), need.Dec(), what), phase)
	}
	return allow(ReasonOK, "", phase)
}

func containsStatus(set []uint8, status uint8) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func holdsAny(inst *Instance, actor common.Address, roles []Role, m *Milestone) bool {
	for _, role := range roles {
		if inst.HasRole(actor, role, m) {
			return true
		}
	}
	return false
}

func rolesString(roles []Role) string {
	if len(roles) == 1 {
		return "role " + string(roles[0])
	}
	out := "any of"
	for i, role := range roles {
		if i > 0 {
			out += ","
		}
		out += " " + string(role)
	}
	return out
}
