package escrow

import "errors"

var (
	// ErrUnrecognizedStatus signals version skew between this client and the
	// ledger schema. It is never retried.
	ErrUnrecognizedStatus = errors.New("escrow: unrecognized status")
	// ErrInconsistentSnapshot marks ledger snapshots whose auxiliary fields
	// contradict the raw status.
	ErrInconsistentSnapshot = errors.New("escrow: inconsistent ledger snapshot")
	ErrUnknownKind          = errors.New("escrow: unknown kind")

	ErrNotAuthorized     = errors.New("escrow: actor not authorized")
	ErrDeadlinePassed    = errors.New("escrow: deadline passed")
	ErrPreconditionUnmet = errors.New("escrow: precondition unmet")

	ErrUnknownDependency = errors.New("escrow: unknown milestone dependency")
	ErrDependencyCycle   = errors.New("escrow: milestone dependency cycle")
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
)
