package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// DeriveMilestonePhase maps a single milestone onto its phase. Pending
// milestones whose dependencies are not complete derive the blocked phase.
func DeriveMilestonePhase(m *Milestone, all []*Milestone, now time.Time) (Phase, error) {
	if m == nil {
		return Phase{}, ErrMilestoneNotFound
	}
	if !m.Status.Valid() {
		return Phase{}, fmt.Errorf("%w: milestone %d status %d", ErrUnrecognizedStatus, m.ID, uint8(m.Status))
	}
	phase := Phase{
		Kind:        KindFreelance,
		Status:      uint8(m.Status),
		Terminal:    m.Status.Terminal(),
		Confirmed:   true,
		MilestoneID: m.ID,
	}
	switch m.Status {
	case MilestonePending:
		if blocked := UnsatisfiedDependencies(m, all); len(blocked) > 0 {
			phase.Name = PhaseBlocked
			phase.ActingRole = RoleNone
			phase.Description = fmt.Sprintf("milestone %d waits on %s", m.ID, joinIDs(blocked))
		} else {
			phase.Name = PhaseAwaitingSubmission
			phase.ActingRole = RoleWorker
			phase.Description = fmt.Sprintf("worker must submit milestone %d", m.ID)
		}
	case MilestoneSubmitted:
		phase.Name = PhaseAwaitingReview
		phase.ActingRole = RoleClient
		phase.Description = fmt.Sprintf("client must review milestone %d", m.ID)
	case MilestoneUnderRevision:
		phase.Name = PhaseRevisionRequested
		phase.ActingRole = RoleWorker
		phase.Description = fmt.Sprintf("worker must resubmit milestone %d (%d/%d revisions)", m.ID, m.RevisionCount, m.RevisionLimit)
	case MilestoneApproved:
		phase.Name = PhaseAwaitingPayment
		phase.ActingRole = RoleClient
		phase.Description = fmt.Sprintf("client must release payment for milestone %d", m.ID)
	case MilestonePaid:
		phase.Name = PhasePaid
		phase.ActingRole = RoleNone
		phase.Description = fmt.Sprintf("milestone %d paid", m.ID)
	case MilestoneDisputed:
		phase.Name = PhaseDisputed
		phase.ActingRole = RoleArbiter
		phase.Description = fmt.Sprintf("arbiter must resolve milestone %d (was %s)", m.ID, m.PreviousStatus)
	case MilestoneCancelled:
		phase.Name = PhaseCancelled
		phase.ActingRole = RoleNone
		phase.Description = fmt.Sprintf("milestone %d cancelled", m.ID)
	}
	if (m.Status == MilestonePending || m.Status == MilestoneUnderRevision) && deadlinePassed(m.Deadline, now) {
		phase.Description += "; deadline passed"
	}
	return phase, nil
}

// DeriveFreelancePhase derives the project phase from its least advanced
// unresolved milestone, annotated with aggregate progress.
func DeriveFreelancePhase(status uint8, milestones []*Milestone, totalAmount *big.Int, now time.Time) (Phase, error) {
	s := ProjectStatus(status)
	if !s.Valid() {
		return Phase{}, fmt.Errorf("%w: project status %d", ErrUnrecognizedStatus, status)
	}
	progress := ComputeProgress(milestones, totalAmount)

	var focus *Milestone
	for _, m := range milestones {
		if m == nil {
			continue
		}
		if !m.Status.Valid() {
			return Phase{}, fmt.Errorf("%w: milestone %d status %d", ErrUnrecognizedStatus, m.ID, uint8(m.Status))
		}
		if m.Status.Terminal() {
			continue
		}
		if focus == nil || m.Status.rank() < focus.Status.rank() ||
			(m.Status.rank() == focus.Status.rank() && m.ID < focus.ID) {
			focus = m
		}
	}

	if s.Terminal() {
		phase := Phase{
			Kind:       KindFreelance,
			Status:     status,
			Terminal:   true,
			Confirmed:  true,
			ActingRole: RoleNone,
			Progress:   progress,
		}
		if s == ProjectCompleted {
			phase.Name = PhaseCompleted
			phase.Description = "project completed"
		} else {
			phase.Name = PhaseCancelled
			phase.Description = "project cancelled"
		}
		return phase, nil
	}

	if focus == nil {
		return Phase{
			Kind:        KindFreelance,
			Name:        PhaseAwaitingClosure,
			ActingRole:  RoleClient,
			Description: "all milestones resolved; project may be closed",
			Status:      status,
			Confirmed:   true,
			Progress:    progress,
		}, nil
	}
	phase, err := DeriveMilestonePhase(focus, milestones, now)
	if err != nil {
		return Phase{}, err
	}
	phase.Progress = progress
	return phase, nil
}

// ComputeProgress aggregates completion counts and paid totals. Approved and
// paid milestones count as completed. When totalAmount is nil the sum of
// milestone amounts is reported.
func ComputeProgress(milestones []*Milestone, totalAmount *big.Int) *Progress {
	progress := &Progress{TotalPaid: new(big.Int), TotalAmount: new(big.Int)}
	sum := new(big.Int)
	for _, m := range milestones {
		if m == nil {
			continue
		}
		progress.Total++
		if m.Status.Complete() {
			progress.Completed++
		}
		if m.Amount != nil {
			sum.Add(sum, m.Amount)
			if m.Status == MilestonePaid {
				progress.TotalPaid.Add(progress.TotalPaid, m.Amount)
			}
		}
	}
	if totalAmount != nil {
		progress.TotalAmount.Set(totalAmount)
	} else {
		progress.TotalAmount.Set(sum)
	}
	return progress
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ", ")
}
