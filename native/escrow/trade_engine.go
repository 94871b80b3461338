package escrow

import (
	"fmt"
	"time"
)

// DeriveOTCPhase maps the raw OTC status onto its phase. Locked funds become
// refundable once the deadline has passed and the trade has not settled.
func DeriveOTCPhase(status uint8, deadline int64, now time.Time) (Phase, error) {
	s := OTCStatus(status)
	if !s.Valid() {
		return Phase{}, fmt.Errorf("%w: otc status %d", ErrUnrecognizedStatus, status)
	}
	phase := Phase{Kind: KindOTC, Status: status, Terminal: s.Terminal(), Confirmed: true}
	switch s {
	case OTCCreated:
		phase.Name = PhaseAwaitingMakerLock
		phase.ActingRole = RoleMaker
		phase.Description = "maker must lock token A"
	case OTCMakerLocked:
		phase.Name = PhaseAwaitingTakerLock
		phase.ActingRole = RoleTaker
		phase.Description = "taker must lock token B"
	case OTCBothLocked:
		phase.Name = PhaseReadyToSettle
		phase.ActingRole = RoleAnyone
		phase.Description = "both legs locked; anyone may settle"
	case OTCSettled:
		phase.Name = PhaseSettled
		phase.ActingRole = RoleNone
		phase.Description = "trade settled"
	case OTCRefunded:
		phase.Name = PhaseRefunded
		phase.ActingRole = RoleNone
		phase.Description = "locked funds refunded"
	}
	if !phase.Terminal && deadlinePassed(deadline, now) {
		phase.RefundAvailable = true
		phase.Description += "; deadline passed, refund available"
	}
	return phase, nil
}
