package escrow

import (
	"fmt"
	"strings"
)

// Kind tags which of the three escrow state machines governs an instance.
type Kind uint8

const (
	KindOTC Kind = iota + 1
	KindNFT
	KindFreelance
)

// Valid reports whether the kind is one of the supported state machines.
func (k Kind) Valid() bool {
	switch k {
	case KindOTC, KindNFT, KindFreelance:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindOTC:
		return "otc"
	case KindNFT:
		return "nft"
	case KindFreelance:
		return "freelance"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind resolves the canonical lowercase kind name.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "otc":
		return KindOTC, nil
	case "nft":
		return KindNFT, nil
	case "freelance":
		return KindFreelance, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// MarshalText renders the kind name for JSON and config encoders.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Role names a participant slot in an escrow. The arity of the participant
// map depends on the kind.
type Role string

const (
	RoleNone   Role = "none"
	RoleAnyone Role = "anyone"

	RoleMaker Role = "maker"
	RoleTaker Role = "taker"

	RoleWLHolder        Role = "wl_holder"
	RoleCapitalProvider Role = "capital_provider"
	// RoleCoInvestors is satisfied by either the WL holder or the capital
	// provider.
	RoleCoInvestors Role = "co_investors"
	RoleBuyer       Role = "buyer"

	RoleClient  Role = "client"
	RoleWorker  Role = "worker"
	RoleArbiter Role = "arbiter"
)
