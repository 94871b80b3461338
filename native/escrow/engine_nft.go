package escrow

import (
	"fmt"
	"time"
)

// DeriveNFTPhase maps the raw NFT status and approval flags onto a phase. The
// Minted status is split by which co-investor approvals are outstanding.
func DeriveNFTPhase(status uint8, approval *Approval, deadline int64, now time.Time) (Phase, error) {
	s := NFTStatus(status)
	if !s.Valid() {
		return Phase{}, fmt.Errorf("%w: nft status %d", ErrUnrecognizedStatus, status)
	}
	phase := Phase{Kind: KindNFT, Status: status, Terminal: s.Terminal(), Confirmed: true}
	var wl, capital bool
	if approval != nil {
		wl, capital = approval.WLApproved, approval.CapitalApproved
	}
	switch s {
	case NFTCreated:
		phase.Name = PhaseAwaitingFunding
		phase.ActingRole = RoleCapitalProvider
		phase.Description = "capital provider must deposit the mint price"
	case NFTFunded:
		phase.Name = PhaseAwaitingMint
		phase.ActingRole = RoleWLHolder
		phase.Description = "whitelist holder must mint"
	case NFTMinted:
		switch {
		case !wl && !capital:
			phase.Name = PhaseAwaitingApprovals
			phase.ActingRole = RoleCoInvestors
			phase.Description = "both co-investors must approve the sale"
		case !wl:
			phase.Name = PhaseAwaitingWLApproval
			phase.ActingRole = RoleWLHolder
			phase.Description = "whitelist holder must approve the sale"
		case !capital:
			phase.Name = PhaseAwaitingCapitalApproval
			phase.ActingRole = RoleCapitalProvider
			phase.Description = "capital provider must approve the sale"
		case !approval.TermsSet():
			phase.Name = PhaseAwaitingSaleTerms
			phase.ActingRole = RoleCoInvestors
			phase.Description = "sale price and buyer not agreed"
		default:
			phase.Name = PhaseApproved
			phase.ActingRole = RoleBuyer
			phase.Description = "sale approved; awaiting ledger confirmation"
			phase.Confirmed = false
		}
	case NFTApproved:
		if !wl || !capital || !approval.TermsSet() {
			return Phase{}, fmt.Errorf("%w: nft approved without both approvals and sale terms", ErrInconsistentSnapshot)
		}
		phase.Name = PhaseApproved
		phase.ActingRole = RoleBuyer
		phase.Description = "buyer may purchase at the agreed price"
	case NFTSold:
		phase.Name = PhaseSold
		phase.ActingRole = RoleAnyone
		phase.Description = "sold; anyone may split the proceeds"
	case NFTSplit:
		phase.Name = PhaseSplit
		phase.ActingRole = RoleNone
		phase.Description = "proceeds split"
	case NFTRefunded:
		phase.Name = PhaseRefunded
		phase.ActingRole = RoleNone
		phase.Description = "mint price refunded"
	}
	if (s == NFTCreated || s == NFTFunded) && deadlinePassed(deadline, now) {
		phase.RefundAvailable = true
		phase.Description += "; deadline passed, refund available"
	}
	return phase, nil
}
