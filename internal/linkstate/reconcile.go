package linkstate

// Reconcile decides whether the incoming snapshot may update current given
// the lock in force. It returns the next state and whether the snapshot was
// applied. It is pure; the caller owns publication.
//
// Rules, evaluated in order:
//  1. A pull observed before the active lock started is stale and rejected.
//  2. Push is authoritative for connectivity but never touches Phase.
//  3. While a lock is active, connectivity only moves toward the goal of the
//     operation. This holds for pull and push alike.
//  4. An unlocked pull applies when it is newer than the last applied one.
//  5. Non-push snapshots not newer than LastAppliedAt are rejected.
//
// Failure snapshots never touch connectivity; they only set Err.
func Reconcile(current State, in Snapshot, lock Lock) (State, bool) {
	if lock.Active && in.Source == SourcePull && in.ObservedAt.Before(lock.StartedAt) {
		return current, false
	}
	if in.Source != SourcePush && !in.ObservedAt.After(current.LastAppliedAt) {
		return current, false
	}

	next := current
	if in.Failed() {
		next.Err = in.Err
		next.ErrOrigin = in.Source
		return next, true
	}

	connected, ready := in.Connected, in.Ready
	if lock.Active {
		connected, ready = towardGoal(lock.Kind, current, in)
	}
	next.Connected = connected
	next.Ready = ready
	if in.ObservedAt.After(next.LastAppliedAt) {
		next.LastAppliedAt = in.ObservedAt
	}
	next.LastAppliedSource = in.Source

	// A successful observation supersedes a transport error. Operation
	// outcomes stay visible until the next operation begins.
	if next.Err != "" && next.ErrOrigin != SourceOptimistic {
		next.Err = ""
		next.ErrOrigin = SourceNone
	}
	return next, true
}

// towardGoal merges the observed connectivity into current so that fields
// only move in the direction of the operation's goal.
func towardGoal(kind OperationKind, current State, in Snapshot) (connected, ready bool) {
	switch kind {
	case KindConnect:
		return current.Connected || in.Connected, current.Ready || in.Ready
	case KindDisconnect:
		return current.Connected && in.Connected, current.Ready && in.Ready
	default:
		return in.Connected, in.Ready
	}
}

// Begin returns current with the optimistic phase for the operation guarded
// by lock. A previous operation error is cleared.
func Begin(current State, lock Lock) State {
	next := current
	next.Phase = lock.Kind.Phase()
	next.LastAppliedSource = SourceOptimistic
	next.Err = ""
	next.ErrOrigin = SourceNone
	return next
}

// Settle returns current back in PhaseIdle. A non-empty errMsg is recorded as
// an operation error.
func Settle(current State, errMsg string) State {
	next := current
	next.Phase = PhaseIdle
	next.LastAppliedSource = SourceOptimistic
	if errMsg != "" {
		next.Err = errMsg
		next.ErrOrigin = SourceOptimistic
	}
	return next
}
