package domain

// ApplyLedgerMovement returns the delta and the resulting balance of one movement
// applied on top of running. A balance movement reports an absolute stock count,
// so its delta is relative to the running balance; a transfer moves quantity as is.
func ApplyLedgerMovement(kind LedgerKind, quantity, running int64) (delta, updated int64) {
	switch kind {
	case LedgerKindBalance:
		return quantity - running, quantity
	default:
		return quantity, running + quantity
	}
}

// LedgerMovement is one non-revoked movement in replay order
type LedgerMovement struct {
	ID       int64
	Kind     LedgerKind
	Quantity int64
}

// LedgerStamp is the recomputed delta and balance of a movement
type LedgerStamp struct {
	ID             int64
	Delta          int64
	UpdatedBalance int64
}

// ReplayLedger restamps movements in order starting from a zero balance
func ReplayLedger(movements []LedgerMovement) (stamps []LedgerStamp, balance int64) {
	stamps = make([]LedgerStamp, 0, len(movements))
	for _, m := range movements {
		delta, updated := ApplyLedgerMovement(m.Kind, m.Quantity, balance)
		balance = updated
		stamps = append(stamps, LedgerStamp{ID: m.ID, Delta: delta, UpdatedBalance: updated})
	}
	return stamps, balance
}
