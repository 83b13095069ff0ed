package domain

// Payout lifecycle states.
const (
	StateCreated          = "CREATED"
	StateReserved         = "RESERVED"
	StateSubmitted        = "SUBMITTED"
	StateSubmitError      = "SUBMIT_ERROR"
	StateAccepted         = "ACCEPTED"
	StateBroadcast        = "BROADCAST"
	StateConfirmed        = "CONFIRMED"
	StateRejected         = "REJECTED"
	StateFailedPostAccept = "FAILED_POSTACCEPT"
	StateRefundPending    = "REFUND_PENDING"
	StateCancelled        = "CANCELLED"
	StateReleased         = "RELEASED"
)

// Intent classifications.
const (
	ClassWinnings = "winnings"
	ClassSavings  = "savings"
	ClassStandard = "standard"
	ClassLarge    = "large"
)

// Treasury policy tags.
const (
	TreasuryTagFast = "fast"
	TreasuryTagBulk = "bulk"
	TreasuryTagMain = "main"
)

// Reservation states.
const (
	ReservationOpen      = "open"
	ReservationPending   = "pending"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// Error codes recorded on a payout's last_error.
const (
	ErrCodeInsufficientFunds   = "InsufficientFunds"
	ErrCodeProviderUnavailable = "ProviderUnavailable"
	ErrCodeProviderRejected    = "ProviderRejected"
	ErrCodePostAcceptFailure   = "PostAcceptFailure"
	ErrCodeCancelled           = "Cancelled"
)

var terminalStates = map[string]bool{
	StateConfirmed: true,
	StateReleased:  true,
	StateRejected:  true,
}

// IsTerminal reports whether no further transition is permitted from state.
func IsTerminal(state string) bool {
	return terminalStates[state]
}

// NonTerminalStates lists every state a live payout can occupy. Used by the
// concurrency cap and by the reconciler's stale-payout scan.
func NonTerminalStates() []string {
	return []string{
		StateCreated, StateReserved, StateSubmitted, StateSubmitError,
		StateAccepted, StateBroadcast, StateFailedPostAccept,
		StateRefundPending, StateCancelled,
	}
}

var legalTransitions = map[string][]string{
	StateCreated:          {StateReserved, StateRejected},
	StateReserved:         {StateSubmitted, StateCancelled},
	StateSubmitted:        {StateAccepted, StateRejected, StateSubmitError},
	StateSubmitError:      {StateSubmitted, StateReleased},
	StateAccepted:         {StateBroadcast, StateFailedPostAccept},
	StateBroadcast:        {StateConfirmed, StateFailedPostAccept},
	StateFailedPostAccept: {StateRefundPending},
	StateRefundPending:    {StateReleased},
	StateCancelled:        {StateReleased},
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to string) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidClassification(c string) bool {
	switch c {
	case ClassWinnings, ClassSavings, ClassStandard, ClassLarge:
		return true
	}
	return false
}
