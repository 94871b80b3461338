package escrow

import "fmt"

// OTCStatus is the raw status code of an OTC swap escrow.
type OTCStatus uint8

const (
	// OTCCreated marks a trade whose terms are recorded but no funds are
	// locked yet.
	OTCCreated OTCStatus = iota
	// OTCMakerLocked marks a trade where the maker has locked token A.
	OTCMakerLocked
	// OTCBothLocked marks a trade where both legs are locked and settlement
	// may be triggered by anyone.
	OTCBothLocked
	// OTCSettled marks a trade whose legs were swapped.
	OTCSettled
	// OTCRefunded marks a trade whose locked funds were returned after the
	// deadline.
	OTCRefunded
)

// Valid reports whether the status is part of the OTC graph.
func (s OTCStatus) Valid() bool { return s <= OTCRefunded }

// Terminal reports whether the status accepts no further transitions.
func (s OTCStatus) Terminal() bool { return s == OTCSettled || s == OTCRefunded }

func (s OTCStatus) String() string {
	switch s {
	case OTCCreated:
		return "created"
	case OTCMakerLocked:
		return "maker_locked"
	case OTCBothLocked:
		return "both_locked"
	case OTCSettled:
		return "settled"
	case OTCRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("otc_status(%d)", uint8(s))
	}
}

// NFTStatus is the raw status code of an NFT whitelist co-investment escrow.
type NFTStatus uint8

const (
	NFTCreated NFTStatus = iota
	// NFTFunded marks the mint price as deposited by the capital provider.
	NFTFunded
	// NFTMinted marks the token as minted through the whitelist slot.
	NFTMinted
	// NFTApproved marks the sale terms as approved by both co-investors.
	NFTApproved
	NFTSold
	// NFTSplit marks the sale proceeds as distributed.
	NFTSplit
	NFTRefunded
)

// Valid reports whether the status is part of the NFT graph.
func (s NFTStatus) Valid() bool { return s <= NFTRefunded }

// Terminal reports whether the status accepts no further transitions.
func (s NFTStatus) Terminal() bool { return s == NFTSplit || s == NFTRefunded }

func (s NFTStatus) String() string {
	switch s {
	case NFTCreated:
		return "created"
	case NFTFunded:
		return "funded"
	case NFTMinted:
		return "minted"
	case NFTApproved:
		return "approved"
	case NFTSold:
		return "sold"
	case NFTSplit:
		return "split"
	case NFTRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("nft_status(%d)", uint8(s))
	}
}

// ValidateStatus returns ErrUnrecognizedStatus when the raw code lies outside
// the state graph of the supplied kind.
func ValidateStatus(kind Kind, status uint8) error {
	var ok bool
	switch kind {
	case KindOTC:
		ok = OTCStatus(status).Valid()
	case KindNFT:
		ok = NFTStatus(status).Valid()
	case KindFreelance:
		ok = ProjectStatus(status).Valid()
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if !ok {
		return fmt.Errorf("%w: %s status %d", ErrUnrecognizedStatus, kind, status)
	}
	return nil
}

// IsTerminal reports whether the raw status is terminal for the kind.
// Unrecognised codes are never terminal.
func IsTerminal(kind Kind, status uint8) bool {
	switch kind {
	case KindOTC:
		return OTCStatus(status).Valid() && OTCStatus(status).Terminal()
	case KindNFT:
		return NFTStatus(status).Valid() && NFTStatus(status).Terminal()
	case KindFreelance:
		return ProjectStatus(status).Valid() && ProjectStatus(status).Terminal()
	default:
		return false
	}
}

// StatusName renders the raw status using the kind's vocabulary.
func StatusName(kind Kind, status uint8) string {
	switch kind {
	case KindOTC:
		return OTCStatus(status).String()
	case KindNFT:
		return NFTStatus(status).String()
	case KindFreelance:
		return ProjectStatus(status).String()
	default:
		return fmt.Sprintf("status(%d)", status)
	}
}
