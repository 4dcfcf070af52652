package escrow

// transitions is the fixed lifecycle table. disputed is reachable from every
// other state as an administrative action and nothing leaves it.
var transitions = map[Status][]Status{
	StatusPending:          {StatusFunded, StatusDisputed},
	StatusFunded:           {StatusReleaseRequested, StatusRefundRequested, StatusDisputed},
	StatusReleaseRequested: {StatusReleased, StatusRefundRequested, StatusDisputed},
	StatusRefundRequested:  {StatusRefunded, StatusDisputed},
	StatusReleased:         {StatusDisputed},
	StatusRefunded:         {StatusDisputed},
	StatusDisputed:         {},
}

// paymentTransitions orders the funding leg. A buyer may retry after a
// failure; succeeded is final.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentSucceeded, PaymentFailed},
	PaymentProcessing: {PaymentSucceeded, PaymentFailed},
	PaymentFailed:     {PaymentProcessing, PaymentSucceeded},
	PaymentSucceeded:  {},
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further lifecycle work happens for s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusDisputed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[p]
	return ok
}

// CanAdvancePayment reports whether the funding leg may move from → to.
func CanAdvancePayment(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
