package routing

// FallbackRouter supplies the last-resort decision when no rule
// matches, a rule target has no assignable member, or routing inputs
// fail. It cannot itself fail: every order reaches some queue.
type FallbackRouter struct {
	targetType TargetType
	targetID   string
}

// NewFallbackRouter creates a fallback router pointing at the default
// queue for the tenant.
func NewFallbackRouter(targetType TargetType, targetID string) *FallbackRouter {
	if targetType == "" {
		targetType = TargetQueue
	}
	if targetID == "" {
		targetID = "default"
	}
	return &FallbackRouter{targetType: targetType, targetID: targetID}
}

// Decide returns the default routing decision with the fallback flag set.
func (f *FallbackRouter) Decide() *Decision {
	return &Decision{
		TargetType:   f.targetType,
		TargetID:     f.targetID,
		FallbackUsed: true,
	}
}
