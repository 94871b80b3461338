package escrow

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ProjectStatus is the project-level status carried by a freelance escrow.
type ProjectStatus uint8

const (
	// ProjectOpen marks a project with at least one unresolved milestone.
	ProjectOpen ProjectStatus = iota
	// ProjectCompleted marks a project whose milestones were all resolved.
	ProjectCompleted
	// ProjectCancelled marks a project closed before completion.
	ProjectCancelled
)

// Valid reports whether the status is part of the project graph.
func (s ProjectStatus) Valid() bool { return s <= ProjectCancelled }

// Terminal reports whether the project accepts no further milestone actions.
func (s ProjectStatus) Terminal() bool { return s == ProjectCompleted || s == ProjectCancelled }

func (s ProjectStatus) String() string {
	switch s {
	case ProjectOpen:
		return "open"
	case ProjectCompleted:
		return "completed"
	case ProjectCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("project_status(%d)", uint8(s))
	}
}

// MilestoneStatus represents the lifecycle of a single freelance milestone.
type MilestoneStatus uint8

const (
	// MilestonePending indicates the worker has not delivered yet.
	MilestonePending MilestoneStatus = iota
	// MilestoneSubmitted indicates a deliverable awaits the client's review.
	MilestoneSubmitted
	// MilestoneUnderRevision indicates the client requested changes.
	MilestoneUnderRevision
	// MilestoneApproved indicates the client accepted the deliverable and the
	// payment may be released.
	MilestoneApproved
	// MilestonePaid indicates the milestone amount was paid to the worker.
	MilestonePaid
	// MilestoneDisputed indicates an arbiter must resolve the milestone. The
	// status held before the dispute is kept in PreviousStatus.
	MilestoneDisputed
	// MilestoneCancelled indicates the dispute resolution cancelled the
	// milestone.
	MilestoneCancelled
)

// Valid reports whether the status is part of the milestone graph.
func (s MilestoneStatus) Valid() bool { return s <= MilestoneCancelled }

// Terminal reports whether the milestone accepts no further actions.
func (s MilestoneStatus) Terminal() bool { return s == MilestonePaid || s == MilestoneCancelled }

// Complete reports whether the milestone satisfies dependants.
func (s MilestoneStatus) Complete() bool { return s == MilestoneApproved || s == MilestonePaid }

// rank orders non-terminal milestones by progress. The least advanced
// milestone drives the project phase.
func (s MilestoneStatus) rank() int {
	switch s {
	case MilestoneDisputed:
		return 0
	case MilestonePending:
		return 1
	case MilestoneUnderRevision:
		return 2
	case MilestoneSubmitted:
		return 3
	case MilestoneApproved:
		return 4
	default:
		return 5
	}
}

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneUnderRevision:
		return "under_revision"
	case MilestoneApproved:
		return "approved"
	case MilestonePaid:
		return "paid"
	case MilestoneDisputed:
		return "disputed"
	case MilestoneCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("milestone_status(%d)", uint8(s))
	}
}

// Milestone captures a single deliverable of a freelance project.
type Milestone struct {
	ID             uint64          `json:"id"`
	Worker         common.Address  `json:"worker"`
	Amount         *big.Int        `json:"amount,omitempty"`
	Deadline       int64           `json:"deadline,omitempty"`
	RevisionLimit  uint32          `json:"revisionLimit"`
	RevisionCount  uint32          `json:"revisionCount"`
	Status         MilestoneStatus `json:"status"`
	PreviousStatus MilestoneStatus `json:"previousStatus"`
	Dependencies   []uint64        `json:"dependencies,omitempty"`
	// ProofURI is an opaque content-store reference supplied by the worker.
	ProofURI string `json:"proofUri,omitempty"`
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	if len(m.Dependencies) > 0 {
		clone.Dependencies = append([]uint64(nil), m.Dependencies...)
	}
	return &clone
}

// Validate performs structural validation of the milestone.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil milestone", ErrInconsistentSnapshot)
	}
	if m.ID == 0 {
		return fmt.Errorf("%w: milestone id must be positive", ErrInconsistentSnapshot)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: milestone %d status %d", ErrUnrecognizedStatus, m.ID, uint8(m.Status))
	}
	if m.Status == MilestoneDisputed && !m.PreviousStatus.Valid() {
		return fmt.Errorf("%w: milestone %d previous status %d", ErrUnrecognizedStatus, m.ID, uint8(m.PreviousStatus))
	}
	if m.Amount != nil && m.Amount.Sign() < 0 {
		return fmt.Errorf("%w: milestone %d amount negative", ErrInconsistentSnapshot, m.ID)
	}
	return nil
}

// FindMilestone returns the milestone with the supplied identifier.
func FindMilestone(all []*Milestone, id uint64) *Milestone {
	for _, m := range all {
		if m != nil && m.ID == id {
			return m
		}
	}
	return nil
}

// DependenciesSatisfied reports whether every dependency of m is Approved or
// Paid. Unknown identifiers fail closed. Cycles are rejected when the project
// is created, not here.
func DependenciesSatisfied(m *Milestone, all []*Milestone) bool {
	if m == nil {
		return false
	}
	return len(UnsatisfiedDependencies(m, all)) == 0
}

// UnsatisfiedDependencies lists the dependency identifiers blocking m in
// ascending order.
func UnsatisfiedDependencies(m *Milestone, all []*Milestone) []uint64 {
	if m == nil || len(m.Dependencies) == 0 {
		return nil
	}
	index := make(map[uint64]*Milestone, len(all))
	for _, candidate := range all {
		if candidate != nil {
			index[candidate.ID] = candidate
		}
	}
	var blocked []uint64
	for _, dep := range m.Dependencies {
		found, ok := index[dep]
		if !ok || !found.Status.Complete() {
			blocked = append(blocked, dep)
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })
	return blocked
}

// ValidateDependencies checks a project's milestone set at construction time:
// identifiers must be unique, dependencies must reference known milestones
// and the dependency graph must be acyclic.
func ValidateDependencies(all []*Milestone) error {
	index := make(map[uint64]*Milestone, len(all))
	for _, m := range all {
		if m == nil {
			continue
		}
		if _, dup := index[m.ID]; dup {
			return fmt.Errorf("%w: duplicate milestone id %d", ErrInconsistentSnapshot, m.ID)
		}
		index[m.ID] = m
	}
	for _, m := range all {
		if m == nil {
			continue
		}
		for _, dep := range m.Dependencies {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: milestone %d depends on %d", ErrUnknownDependency, m.ID, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[uint64]int, len(index))
	var path []uint64
	var visit func(id uint64) error
	visit = func(id uint64) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, formatCycle(path, id))
		case done:
			return nil
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range index[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	ids := make([]uint64, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func formatCycle(path []uint64, closing uint64) string {
	start := 0
	for i, id := range path {
		if id == closing {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(path)-start+1)
	for _, id := range path[start:] {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	parts = append(parts, fmt.Sprintf("%d", closing))
	return strings.Join(parts, " -> ")
}
