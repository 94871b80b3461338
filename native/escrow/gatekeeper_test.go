package escrow

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"escrowcoord/core/pricing"
)

func mustValidate(t *testing.T, agreed, market int64) *pricing.Validation {
	t.Helper()
	v, err := pricing.Validate(big.NewRat(agreed, 1), big.NewRat(market, 1), 500)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return &v
}

func TestCanSettle(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	inst := newOTCInstance(OTCBothLocked, 0)

	decision := gate.CanSettle(inst, mustValidate(t, 3000, 3000), false)
	if !decision.Allowed || decision.Code != ReasonOK {
		t.Fatalf("valid price must settle: %+v", decision)
	}

	deviant := mustValidate(t, 3600, 3000)
	decision = gate.CanSettle(inst, deviant, false)
	if decision.Allowed || !errors.Is(decision.Err(), ErrPreconditionUnmet) {
		t.Fatalf("deviant price must be rejected: %+v", decision)
	}
	decision = gate.CanSettle(inst, deviant, true)
	if !decision.Allowed || decision.Code != ReasonForced || decision.Reason != ForcedDeviationReason {
		t.Fatalf("override must force settlement: %+v", decision)
	}
}

func TestCanSettleFallbackNeedsOverride(t *testing.T) {
	gate := NewGatekeeper(func() time.Time { return time.Unix(1_000, 0) })
	inst := newOTCInstance(OTCBothLocked, 0)
	fallback := mustValidate(t, 3000, 3000)
	fallback.Source = pricing.SourceFallback
	fallback.Warning = pricing.ErrOracleUnavailable

	if decision := gate.CanSettle(inst, fallback, false); decision.Allowed {
		t.Fatalf("fallback price must never auto-settle")
	}
	decision := gate.CanSettle(inst, fallback, true)
	if !decision.Allowed || decision.Code != ReasonForced {
		t.Fatalf("override on fallback must be allowed and flagged: %+v", decision)
	}
	if decision := gate.CanSettle(inst, nil, false); decision.Allowed {
		t.Fatalf("missing validation must not settle")
	}
}

func TestCanSettleRequiresBothLocked(t *testing.T) {
	gate := NewGatekeeper(nil)
	inst := newOTCInstance(OTCMakerLocked, 0)
	if decision := gate.CanSettle(inst, mustValidate(t, 3000, 3000), true); decision.Allowed {
		t.Fatalf("settlement before both locks must be rejected even with override")
	}
	nft := newNFTInstance(NFTSold, nil)
	if decision := gate.CanSettle(nft, mustValidate(t, 3000, 3000), false); decision.Allowed {
		t.Fatalf("settlement is only defined for otc escrows")
	}
}

func TestDecisionErr(t *testing.T) {
	if err := (Decision{Allowed: true}).Err(); err != nil {
		t.Fatalf("allowed decision returned %v", err)
	}
	if err := (Decision{Code: ReasonNotAuthorized, Reason: "x"}).Err(); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}
