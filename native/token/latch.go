package token

// ReentryLatch rejects reentry into the ledger's mutating operations while
// one is already in flight. Execution is single-threaded, so the latch only
// trips when a callback issued mid-operation calls back into the ledger; it
// is shared between the token and swap engines so the whole mutation surface
// forms one guarded region. The liquidity lock carries its own latch.
type ReentryLatch struct {
	engaged bool
}

// Enter engages the latch, failing with ErrReentry when it is already held.
func (l *ReentryLatch) Enter() error {
	if l == nil {
		return nil
	}
	if l.engaged {
		return ErrReentry
	}
	l.engaged = true
	return nil
}

// Exit releases the latch.
func (l *ReentryLatch) Exit() {
	if l == nil {
		return
	}
	l.engaged = false
}
