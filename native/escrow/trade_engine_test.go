package escrow

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func newTestAddress(b byte) common.Address {
	var addr common.Address
	addr[19] = b
	return addr
}

func newOTCInstance(status OTCStatus, deadline int64) *Instance {
	return &Instance{
		Kind:    KindOTC,
		Address: newTestAddress(0xE0),
		Status:  uint8(status),
		Participants: map[Role]common.Address{
			RoleMaker: newTestAddress(0x01),
			RoleTaker: newTestAddress(0x02),
		},
		Deadline: deadline,
		Amounts:  Amounts{AmountA: big.NewInt(2_000), AmountB: big.NewInt(6_000_000)},
	}
}

func TestOTCPhaseRoles(t *testing.T) {
	now := time.Unix(1_000, 0)
	expected := map[OTCStatus]struct {
		name PhaseName
		role Role
	}{
		OTCCreated:     {PhaseAwaitingMakerLock, RoleMaker},
		OTCMakerLocked: {PhaseAwaitingTakerLock, RoleTaker},
		OTCBothLocked:  {PhaseReadyToSettle, RoleAnyone},
		OTCSettled:     {PhaseSettled, RoleNone},
		OTCRefunded:    {PhaseRefunded, RoleNone},
	}
	allowed := map[Role]bool{RoleMaker: true, RoleTaker: true, RoleAnyone: true, RoleNone: true}
	for status, want := range expected {
		for _, deadline := range []int64{0, 500, 2_000} {
			phase, err := DeriveOTCPhase(uint8(status), deadline, now)
			if err != nil {
				t.Fatalf("derive %s: %v", status, err)
			}
			if phase.Name != want.name || phase.ActingRole != want.role {
				t.Fatalf("status %s: expected %s/%s, got %s/%s", status, want.name, want.role, phase.Name, phase.ActingRole)
			}
			if !allowed[phase.ActingRole] {
				t.Fatalf("unexpected acting role %s", phase.ActingRole)
			}
			if phase.ActingRole == RoleAnyone && status != OTCBothLocked {
				t.Fatalf("anyone may only act when both legs are locked")
			}
			if phase.ActingRole == RoleNone && !status.Terminal() {
				t.Fatalf("none may only appear in terminal states")
			}
		}
	}
}

func TestOTCRefundCapability(t *testing.T) {
	now := time.Unix(1_000, 0)
	phase, err := DeriveOTCPhase(uint8(OTCMakerLocked), 999, now)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !phase.RefundAvailable || phase.Name != PhaseAwaitingTakerLock {
		t.Fatalf("expected refund capability alongside unchanged label, got %+v", phase)
	}
	phase, err = DeriveOTCPhase(uint8(OTCMakerLocked), 1_000, now)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.RefundAvailable {
		t.Fatalf("refund must not be available at the deadline itself")
	}
	phase, err = DeriveOTCPhase(uint8(OTCSettled), 1, now)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.RefundAvailable {
		t.Fatalf("terminal trades are never refundable")
	}
}

func TestOTCUnrecognizedStatus(t *testing.T) {
	_, err := DeriveOTCPhase(9, 0, time.Now())
	if !errors.Is(err, ErrUnrecognizedStatus) {
		t.Fatalf("expected ErrUnrecognizedStatus, got %v", err)
	}
}

func TestOTCEndToEndLifecycle(t *testing.T) {
	clock := time.Unix(1_000, 0)
	gate := NewGatekeeper(func() time.Time { return clock })
	inst := newOTCInstance(OTCCreated, 1_500)
	maker, taker, stranger := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03)

	decision := gate.CanTransition(inst, Request{Action: ActionMakerLock, Actor: taker, Allowance: big.NewInt(2_000)})
	if decision.Allowed || decision.Code != ReasonNotAuthorized {
		t.Fatalf("taker must not lock the maker leg: %+v", decision)
	}
	decision = gate.CanTransition(inst, Request{Action: ActionMakerLock, Actor: maker, Allowance: big.NewInt(1_999)})
	if decision.Allowed || decision.Code != ReasonPreconditionUnmet {
		t.Fatalf("insufficient allowance must be rejected: %+v", decision)
	}
	decision = gate.CanTransition(inst, Request{Action: ActionMakerLock, Actor: maker, Allowance: big.NewInt(2_000)})
	if !decision.Allowed {
		t.Fatalf("maker lock rejected: %s", decision.Reason)
	}

	inst.Status = uint8(OTCMakerLocked)
	phase, err := DerivePhase(inst, clock)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseAwaitingTakerLock || phase.ActingRole != RoleTaker {
		t.Fatalf("unexpected phase after maker lock: %+v", phase)
	}
	decision = gate.CanTransition(inst, Request{Action: ActionTakerLock, Actor: taker, Allowance: big.NewInt(6_000_000)})
	if !decision.Allowed {
		t.Fatalf("taker lock rejected: %s", decision.Reason)
	}

	inst.Status = uint8(OTCBothLocked)
	phase, err = DerivePhase(inst, clock)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseReadyToSettle || phase.ActingRole != RoleAnyone {
		t.Fatalf("unexpected phase after both locks: %+v", phase)
	}

	clock = time.Unix(2_000, 0)
	phase, err = DerivePhase(inst, clock)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if phase.Name != PhaseReadyToSettle || !phase.RefundAvailable {
		t.Fatalf("expected settlement phase with refund capability, got %+v", phase)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionRefund, Actor: maker}); !decision.Allowed {
		t.Fatalf("refund rejected after deadline: %s", decision.Reason)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionSettle, Actor: stranger}); !decision.Allowed {
		t.Fatalf("settle rejected after deadline: %s", decision.Reason)
	}
	if decision := gate.CanTransition(inst, Request{Action: ActionRefund, Actor: stranger}); decision.Code != ReasonNotAuthorized {
		t.Fatalf("non-participants must not refund: %+v", decision)
	}
}

func TestOTCLockAfterDeadline(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(2_000, 0) })
	inst := newOTCInstance(OTCCreated, 1_500)
	decision := gate.CanTransition(inst, Request{Action: ActionMakerLock, Actor: newTestAddress(0x01), Allowance: big.NewInt(2_000)})
	if decision.Allowed || decision.Code != ReasonDeadlinePassed {
		t.Fatalf("expected deadline denial, got %+v", decision)
	}
	if !errors.Is(decision.Err(), ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", decision.Err())
	}
}

func TestOTCRefundBeforeDeadline(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	inst := newOTCInstance(OTCMakerLocked, 1_500)
	decision := gate.CanTransition(inst, Request{Action: ActionRefund, Actor: newTestAddress(0x01)})
	if decision.Allowed || !errors.Is(decision.Err(), ErrPreconditionUnmet) {
		t.Fatalf("refund before deadline must be rejected: %+v", decision)
	}
}

func TestOTCActionNotAvailableInPhase(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	inst := newOTCInstance(OTCCreated, 0)
	decision := gate.CanTransition(inst, Request{Action: ActionSettle, Actor: newTestAddress(0x01)})
	if decision.Allowed || decision.Code != ReasonPreconditionUnmet {
		t.Fatalf("settle before locks must be rejected: %+v", decision)
	}
	decision = gate.CanTransition(inst, Request{Action: ActionMint, Actor: newTestAddress(0x01)})
	if decision.Allowed || decision.Code != ReasonPreconditionUnmet {
		t.Fatalf("nft action on otc escrow must be rejected: %+v", decision)
	}
}

func TestOTCUnrecognizedStatusDecision(t *testing.T) {
	gate := NewGatekeeper(nil)
	inst := newOTCInstance(OTCStatus(42), 0)
	decision := gate.CanTransition(inst, Request{Action: ActionSettle})
	if decision.Allowed || decision.Code != ReasonUnrecognizedStatus {
		t.Fatalf("expected unrecognized status decision, got %+v", decision)
	}
	if !errors.Is(decision.Err(), ErrUnrecognizedStatus) {
		t.Fatalf("expected ErrUnrecognizedStatus, got %v", decision.Err())
	}
}
