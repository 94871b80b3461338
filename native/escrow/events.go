package escrow

// Action names a party-initiated transition. Actions double as history step
// names so optimistic entries and ledger-observed entries merge on the same
// key.
type Action string

const (
	ActionMakerLock Action = "maker_lock"
	ActionTakerLock Action = "taker_lock"
	ActionSettle    Action = "settle"
	ActionRefund    Action = "refund"

	ActionFund        Action = "fund"
	ActionMint        Action = "mint"
	ActionApproveSale Action = "approve_sale"
	ActionPurchase    Action = "purchase"
	ActionSplit       Action = "split"

	ActionSubmit          Action = "submit"
	ActionRequestRevision Action = "request_revision"
	ActionApprove         Action = "approve"
	ActionRelease         Action = "release"
	ActionDispute         Action = "dispute"
	ActionResolveDispute  Action = "resolve_dispute"
)

// MilestoneScoped reports whether the action targets a single milestone.
func (a Action) MilestoneScoped() bool {
	switch a {
	case ActionSubmit, ActionRequestRevision, ActionApprove, ActionRelease, ActionDispute, ActionResolveDispute:
		return true
	default:
		return false
	}
}

// LedgerEvent binds a contract event signature to the lifecycle step it
// records. Milestone-scoped events carry the milestone id as the first
// indexed topic.
type LedgerEvent struct {
	Signature string
	Step      Action
	Milestone bool
}

var (
	otcEvents = []LedgerEvent{
		{Signature: "MakerLocked(address,uint256)", Step: ActionMakerLock},
		{Signature: "TakerLocked(address,uint256)", Step: ActionTakerLock},
		{Signature: "Settled(address,address)", Step: ActionSettle},
		{Signature: "Refunded(address,uint256)", Step: ActionRefund},
	}
	nftEvents = []LedgerEvent{
		{Signature: "Funded(address,uint256)", Step: ActionFund},
		{Signature: "Minted(uint256)", Step: ActionMint},
		{Signature: "SaleApproved(address,uint256,address)", Step: ActionApproveSale},
		{Signature: "Purchased(address,uint256)", Step: ActionPurchase},
		{Signature: "ProceedsSplit(uint256,uint256)", Step: ActionSplit},
		{Signature: "Refunded(address,uint256)", Step: ActionRefund},
	}
	freelanceEvents = []LedgerEvent{
		{Signature: "MilestoneSubmitted(uint256,string)", Step: ActionSubmit, Milestone: true},
		{Signature: "RevisionRequested(uint256,string)", Step: ActionRequestRevision, Milestone: true},
		{Signature: "MilestoneApproved(uint256)", Step: ActionApprove, Milestone: true},
		{Signature: "MilestonePaid(uint256,uint256)", Step: ActionRelease, Milestone: true},
		{Signature: "DisputeRaised(uint256,address)", Step: ActionDispute, Milestone: true},
		{Signature: "DisputeResolved(uint256,uint8)", Step: ActionResolveDispute, Milestone: true},
	}
)

// LedgerEvents returns the contract events recorded into history for the
// kind.
func LedgerEvents(kind Kind) []LedgerEvent {
	switch kind {
	case KindOTC:
		return otcEvents
	case KindNFT:
		return nftEvents
	case KindFreelance:
		return freelanceEvents
	default:
		return nil
	}
}
