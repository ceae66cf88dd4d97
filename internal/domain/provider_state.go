package domain

// StateFromProvider maps the provider's wire state names onto the
// lifecycle table. The provider reports a cancelled payment as TERMINATED;
// the table models cancellation as CANCELLED, so TERMINATED normalizes
// there. TERMINATED stays in the state set for records imported from
// systems that stored it verbatim.
func StateFromProvider(s string) (LifecycleState, bool) {
	switch LifecycleState(s) {
	case StateCreated, StateAuthorized, StateCaptured, StateCancelled,
		StateRefunded, StateExpired, StateAborted:
		return LifecycleState(s), true
	case StateTerminated:
		return StateCancelled, true
	default:
		return "", false
	}
}
