package lifecycle

// ReconcilePlatformState merges product-level states into the platform view:
// a user engaged in any product (active or reactivated there) is never weaker
// than active platform-wide, regardless of platform-level qualifying events.
//
// Only engaged product states promote. Weaker product states (new, dormant,
// churned) never override the platform's own windowed classification: a
// non-qualifying first touch of a product must not move a churned user, and
// the edge set has no churned -> new or churned -> dormant transitions for
// such a merge to land on.
//
// Deleted is terminal and never reconciled away.
//
// prev is the previously persisted platform record (nil on first
// computation); it re-applies the transient overlay when a product-derived
// promotion lands on a user coming out of a dormant or churned period, so
// reconciliation never fabricates an edge the state machine forbids.
func ReconcilePlatformState(platform UserPlatformState, prev *UserPlatformState, products []UserProductState) UserPlatformState {
	if platform.State == PlatformDeleted {
		return platform
	}

	merged := platform
	for _, ps := range products {
		if !EngagedInProduct(ps.State) {
			continue
		}
		if MoreEngaged(PlatformActive, merged.State) {
			merged.State = PlatformActive
			merged.StateSince = ps.StateSince
			merged.TriggeringEventID = ps.TriggeringEventID
		} else if merged.State == PlatformActive && ps.StateSince.Before(merged.StateSince) {
			// Earliest engaged pair anchors the merged entry time, keeping
			// the result independent of product iteration order.
			merged.StateSince = ps.StateSince
			merged.TriggeringEventID = ps.TriggeringEventID
		}
		if ps.LastQualifyingEventAt.After(merged.LastQualifyingEventAt) {
			merged.LastQualifyingEventAt = ps.LastQualifyingEventAt
		}
	}

	if merged.State == PlatformActive && prev != nil {
		switch prev.State {
		case PlatformDormant:
			merged.State = PlatformReturning
		case PlatformChurned:
			merged.State = PlatformReactivated
		}
	}
	if prev != nil && prev.State == merged.State {
		merged.StateSince = prev.StateSince
	}
	return merged
}
