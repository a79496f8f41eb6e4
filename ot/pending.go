package ot

// PendingLog holds locally-issued operations that have not yet been confirmed
// delivered, in issuance order, plus the last version the session synced at.
// It is only touched from the session's event loop, so it carries no lock.
type PendingLog struct {
	ops               []Operation
	lastSyncedVersion int
}

// Append records op at the tail of the log.
func (l *PendingLog) Append(op Operation) {
	l.ops = append(l.ops, op)
}

// Ops returns a copy of the pending operations in issuance order.
func (l *PendingLog) Ops() []Operation {
	out := make([]Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// Rebase replaces the pending operations wholesale. The session uses it after
// transforming the log against a remote operation.
func (l *PendingLog) Rebase(ops []Operation) {
	l.ops = ops
}

// Clear empties the log at a sync boundary and advances the version marker.
func (l *PendingLog) Clear(version int) {
	l.ops = nil
	if version > l.lastSyncedVersion {
		l.lastSyncedVersion = version
	}
}

// Len reports the number of unconfirmed operations.
func (l *PendingLog) Len() int {
	return len(l.ops)
}

// LastSyncedVersion returns the version marker recorded at the last Clear.
func (l *PendingLog) LastSyncedVersion() int {
	return l.lastSyncedVersion
}
