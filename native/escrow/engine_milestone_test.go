package escrow

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func newFreelanceInstance(milestones ...*Milestone) *Instance {
	return &Instance{
		Kind:    KindFreelance,
		Address: newTestAddress(0xE2),
		Status:  uint8(ProjectOpen),
		Participants: map[Role]common.Address{
			RoleClient:  newTestAddress(0x31),
			RoleArbiter: newTestAddress(0x33),
		},
		Milestones: milestones,
	}
}

func newMilestone(id uint64, status MilestoneStatus, deps ...uint64) *Milestone {
	return &Milestone{
		ID:            id,
		Worker:        newTestAddress(0x32),
		Amount:        big.NewInt(int64(id) * 100),
		RevisionLimit: 2,
		Status:        status,
		Dependencies:  deps,
	}
}

func TestDependenciesSatisfiedFailsClosed(t *testing.T) {
	all := []*Milestone{
		newMilestone(1, MilestonePaid),
		newMilestone(2, MilestoneApproved),
		newMilestone(3, MilestoneSubmitted),
	}
	if !DependenciesSatisfied(newMilestone(4, MilestonePending, 1, 2), all) {
		t.Fatalf("approved and paid dependencies must satisfy")
	}
	if DependenciesSatisfied(newMilestone(4, MilestonePending, 1, 3), all) {
		t.Fatalf("submitted dependency must not satisfy")
	}
	if DependenciesSatisfied(newMilestone(4, MilestonePending, 1, 9), all) {
		t.Fatalf("unknown dependency must fail closed")
	}
	if DependenciesSatisfied(newMilestone(4, MilestonePending, 1), nil) {
		t.Fatalf("empty snapshot must fail closed")
	}
	if !DependenciesSatisfied(newMilestone(4, MilestonePending), nil) {
		t.Fatalf("milestone without dependencies is always satisfied")
	}
	if DependenciesSatisfied(nil, all) {
		t.Fatalf("nil milestone must not be satisfied")
	}
}

func TestValidateDependencies(t *testing.T) {
	ok := []*Milestone{newMilestone(1, MilestonePending), newMilestone(2, MilestonePending, 1), newMilestone(3, MilestonePending, 1, 2)}
	if err := ValidateDependencies(ok); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
	unknown := []*Milestone{newMilestone(1, MilestonePending, 7)}
	if err := ValidateDependencies(unknown); !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
	cycle := []*Milestone{newMilestone(1, MilestonePending, 3), newMilestone(2, MilestonePending, 1), newMilestone(3, MilestonePending, 2)}
	err := ValidateDependencies(cycle)
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	self := []*Milestone{newMilestone(1, MilestonePending, 1)}
	if err := ValidateDependencies(self); !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected self dependency to be a cycle, got %v", err)
	}
}

func TestMilestonePhaseBlocked(t *testing.T) {
	all := []*Milestone{newMilestone(1, MilestoneSubmitted), newMilestone(2, MilestonePending, 1)}
	phase, err := DeriveMilestonePhase(all[1], all, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseBlocked || phase.ActingRole != RoleNone {
		t.Fatalf("expected blocked phase, got %+v", phase)
	}
	all[0].Status = MilestoneApproved
	phase, err = DeriveMilestonePhase(all[1], all, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseAwaitingSubmission || phase.ActingRole != RoleWorker {
		t.Fatalf("expected awaiting submission, got %+v", phase)
	}
}

func TestFreelancePhaseFollowsLeastAdvancedMilestone(t *testing.T) {
	all := []*Milestone{
		newMilestone(1, MilestonePaid),
		newMilestone(2, MilestoneSubmitted),
		newMilestone(3, MilestoneUnderRevision),
		newMilestone(4, MilestoneUnderRevision),
	}
	phase, err := DeriveFreelancePhase(uint8(ProjectOpen), all, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.MilestoneID != 3 || phase.Name != PhaseRevisionRequested {
		t.Fatalf("expected milestone 3 under revision, got %+v", phase)
	}
	if phase.Progress == nil || phase.Progress.Completed != 1 || phase.Progress.Total != 4 {
		t.Fatalf("unexpected progress %+v", phase.Progress)
	}
	if phase.Progress.TotalPaid.Cmp(big.NewInt(100)) != 0 || phase.Progress.TotalAmount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected totals %s/%s", phase.Progress.TotalPaid, phase.Progress.TotalAmount)
	}

	all[1].Status = MilestoneDisputed
	all[1].PreviousStatus = MilestoneSubmitted
	phase, err = DeriveFreelancePhase(uint8(ProjectOpen), all, big.NewInt(5_000), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.MilestoneID != 2 || phase.Name != PhaseDisputed || phase.ActingRole != RoleArbiter {
		t.Fatalf("expected disputed milestone to lead, got %+v", phase)
	}
	if phase.Progress.TotalAmount.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected explicit total amount, got %s", phase.Progress.TotalAmount)
	}
}

func TestFreelancePhaseClosure(t *testing.T) {
	all := []*Milestone{newMilestone(1, MilestonePaid), newMilestone(2, MilestoneCancelled)}
	phase, err := DeriveFreelancePhase(uint8(ProjectOpen), all, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseAwaitingClosure {
		t.Fatalf("expected awaiting closure, got %s", phase.Name)
	}
	phase, err = DeriveFreelancePhase(uint8(ProjectCompleted), all, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseCompleted || !phase.Terminal {
		t.Fatalf("expected completed terminal phase, got %+v", phase)
	}
	if _, err := DeriveFreelancePhase(7, all, nil, time.Unix(0, 0)); !errors.Is(err, ErrUnrecognizedStatus) {
		t.Fatalf("expected ErrUnrecognizedStatus, got %v", err)
	}
}

func TestMilestoneGate(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	client, worker, arbiter := newTestAddress(0x31), newTestAddress(0x32), newTestAddress(0x33)
	inst := newFreelanceInstance(newMilestone(1, MilestoneSubmitted), newMilestone(2, MilestonePending, 1))

	decision := gate.CanTransition(inst, Request{Action: ActionSubmit, Actor: worker, MilestoneID: 2})
	if decision.Allowed || decision.Code != ReasonPreconditionUnmet {
		t.Fatalf("submit with incomplete dependency must be rejected: %+v", decision)
	}
	if decision.Phase.Name != PhaseBlocked {
		t.Fatalf("expected blocked phase on denial, got %s", decision.Phase.Name)
	}
	decision = gate.CanTransition(inst, Request{Action: ActionApprove, Actor: worker, MilestoneID: 1})
	if decision.Code != ReasonNotAuthorized {
		t.Fatalf("worker must not approve: %+v", decision)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionApprove, Actor: client, MilestoneID: 1}); !decision.Allowed {
		t.Fatalf("client approval rejected: %s", decision.Reason)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionDispute, Actor: worker, MilestoneID: 1}); !decision.Allowed {
		t.Fatalf("worker dispute rejected: %s", decision.Reason)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionResolveDispute, Actor: arbiter, MilestoneID: 1}); decision.Allowed {
		t.Fatalf("resolve requires a disputed milestone")
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionSubmit, Actor: worker, MilestoneID: 9}); decision.Allowed {
		t.Fatalf("unknown milestone must be rejected")
	}
}

func TestMilestoneRevisionLimit(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	client := newTestAddress(0x31)
	m := newMilestone(1, MilestoneSubmitted)
	m.RevisionCount = 1
	inst := newFreelanceInstance(m)
	if decision := gate.CanTransition(inst, Request{Action: ActionRequestRevision, Actor: client, MilestoneID: 1}); !decision.Allowed {
		t.Fatalf("revision below limit rejected: %s", decision.Reason)
	}
	m.RevisionCount = 2
	decision := gate.CanTransition(inst, Request{Action: ActionRequestRevision, Actor: client, MilestoneID: 1})
	if decision.Allowed || !errors.Is(decision.Err(), ErrPreconditionUnmet) {
		t.Fatalf("revision at limit must be rejected: %+v", decision)
	}
}

func TestMilestoneSubmitAfterDeadline(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	m := newMilestone(1, MilestonePending)
	m.Deadline = 900
	inst := newFreelanceInstance(m)
	decision := gate.CanTransition(inst, Request{Action: ActionSubmit, Actor: newTestAddress(0x32), MilestoneID: 1})
	if decision.Code != ReasonDeadlinePassed {
		t.Fatalf("expected deadline denial, got %+v", decision)
	}
}

func TestMilestoneActionsClosedProject(t *testing.T) {
	gate := NewGatekeeper(nil)
	inst := newFreelanceInstance(newMilestone(1, MilestoneSubmitted))
	inst.Status = uint8(ProjectCancelled)
	if decision := gate.CanTransition(inst, Request{Action: ActionApprove, Actor: newTestAddress(0x31), MilestoneID: 1}); decision.Allowed {
		t.Fatalf("cancelled project must not accept milestone actions")
	}
}

func TestFreelanceExpiryHasNoRefund(t *testing.T) {
	now := time.Unix(1_000, 0)
	late := newMilestone(1, MilestonePending)
	late.Deadline = 500
	inst := newFreelanceInstance(late)
	inst.Deadline = 500

	phase, err := DerivePhase(inst, now)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.RefundAvailable {
		t.Fatalf("freelance projects expose no refund: %+v", phase)
	}
	if !strings.Contains(phase.Description, "deadline passed") {
		t.Fatalf("expected expiry in description, got %q", phase.Description)
	}

	gate := NewGatekeeper(func() time.Time { return now })
	decision := gate.CanTransition(inst, Request{Action: ActionSubmit, Actor: newTestAddress(0x32), MilestoneID: 1})
	if decision.Code != ReasonDeadlinePassed {
		t.Fatalf("expected deadline_passed, got %+v", decision)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionRefund, Actor: newTestAddress(0x31), MilestoneID: 1}); decision.Allowed {
		t.Fatalf("refund must not be offered for freelance escrows: %+v", decision)
	}
}
