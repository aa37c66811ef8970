package payment

// Status is the lifecycle state of a payment attempt.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// transitions lists the allowed next states per current state. Refunds and
// chargebacks are only reachable from an approved payment.
var transitions = map[Status][]Status{
	StatusUnknown:  {StatusPending},
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusRefunded, StatusChargedBack},
}

// CanTransitionTo reports whether moving from s to target is a legal transition.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected in normal flow.
// Approved is included even though refunds and chargebacks may still follow:
// from the paying user's perspective the checkout is finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack:
		return true
	}
	return false
}

// FromGateway maps a gateway status string to a Status. Unrecognized or empty
// values map to StatusUnknown.
func FromGateway(status string) Status {
	switch status {
	case "pending", "in_process", "in_mediation", "authorized":
		return StatusPending
	case "approved":
		return StatusApproved
	case "rejected":
		return StatusRejected
	case "cancelled":
		return StatusCancelled
	case "refunded":
		return StatusRefunded
	case "charged_back", "chargeback":
		return StatusChargedBack
	}
	return StatusUnknown
}
