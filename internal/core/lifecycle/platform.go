package lifecycle

import (
	"sort"
	"time"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
)

// UserPlatformState is the current platform-wide state record for one user.
// Superseded, never edited in place: each recompute derives a fresh record
// from the event log and the prior record is closed out via the transition
// log.
type UserPlatformState struct {
	UserID                string        `json:"user_id"`
	State                 PlatformState `json:"state"`
	Dunning               bool          `json:"dunning"`
	StateSince            time.Time     `json:"state_since"`
	LastQualifyingEventAt time.Time     `json:"last_qualifying_event_at"`
	TotalQualifyingEvents int           `json:"total_qualifying_events"`
	DaysSinceSignup       int           `json:"days_since_signup"`
	TriggeringEventID     string        `json:"-"`
}

// PlatformInput is everything the platform calculator needs for one user.
// It is a pure function of the user's own history up to the watermark, so
// per-user computations are freely parallelizable.
type PlatformInput struct {
	User v1.User

	// Prev is the previously persisted state, nil on first computation.
	// Needed to derive the transient returning/reactivated states, which are
	// defined relative to the prior period.
	Prev *UserPlatformState

	// Events is the user's full accepted event history up to the watermark,
	// in OccurredAt order. Classification flags must already be stamped.
	Events []*v1.Event

	Watermark time.Time
	Windows   WindowSet
}

// ComputePlatformState derives the single current platform state for a user
// as of the watermark.
func ComputePlatformState(in PlatformInput) UserPlatformState {
	qualifying := qualifyingTimes(in.Events, in.Watermark)

	out := UserPlatformState{
		UserID:                in.User.UserID,
		TotalQualifyingEvents: len(qualifying),
		DaysSinceSignup:       wholeDays(in.Watermark.Sub(in.User.CreatedAt)),
		Dunning:               openDunning(in.Events, in.Watermark),
	}
	if n := len(qualifying); n > 0 {
		out.LastQualifyingEventAt = qualifying[n-1]
	}

	// Admin deletion takes precedence over everything. A later restoration
	// re-enters the lifecycle as new.
	if delEvt := latestAdminEvent(in.Events, in.Watermark); delEvt != nil {
		if delEvt.Type == "user_deleted" {
			out.State = PlatformDeleted
			out.StateSince = delEvt.OccurredAt
			out.TriggeringEventID = delEvt.ID
			out.Dunning = false
			return carrySince(out, in.Prev)
		}
		// user_restored falls through to normal windowed evaluation with
		// signup grace re-anchored at the restoration time.
		if delEvt.Type == "user_restored" && delEvt.OccurredAt.After(in.User.CreatedAt) {
			in.User.CreatedAt = delEvt.OccurredAt
		}
	}

	state, since, trigger := windowedPlatformState(in, qualifying)

	// Transient overlay: a qualifying event arriving after a dormant period
	// yields returning for exactly one pass, after a churned period
	// reactivated. The next pass re-evaluates to active if sustained.
	if state == PlatformActive && in.Prev != nil {
		switch in.Prev.State {
		case PlatformDormant:
			state = PlatformReturning
		case PlatformChurned:
			state = PlatformReactivated
		}
	}

	out.State = state
	out.StateSince = since
	out.TriggeringEventID = trigger
	return carrySince(out, in.Prev)
}

// windowedPlatformState applies the half-open window rules, returning the raw
// state plus a deterministic state-entry timestamp and triggering event id.
//
// Entry timestamps are derived, not wall-clock: decay states begin exactly at
// the window boundary crossing (last event + window), so recomputing with the
// same inputs reproduces the same record byte for byte.
func windowedPlatformState(in PlatformInput, qualifying []time.Time) (PlatformState, time.Time, string) {
	var lastQ time.Time
	inActive := 0
	inDormantBand := false
	for _, ts := range qualifying {
		if InWindow(ts, in.Watermark, in.Windows.ActiveWindow) {
			inActive++
		} else if InWindow(ts, in.Watermark, in.Windows.DormantWindow) {
			inDormantBand = true
		}
		lastQ = ts
	}

	withinGrace := InWindow(in.User.CreatedAt, in.Watermark, in.Windows.SignupGrace) ||
		in.User.CreatedAt.Equal(in.Watermark.Add(-in.Windows.SignupGrace))

	switch {
	case inActive > 0 && withinGrace && inActive < in.Windows.ActivationThreshold:
		// Qualifying activity inside the signup window but below the
		// promotion threshold: still new.
		return PlatformNew, in.User.CreatedAt, ""

	case inActive > 0:
		trigger := lastQualifyingEventID(in.Events, in.Watermark)
		return PlatformActive, lastQ, trigger

	case withinGrace && len(qualifying) == 0:
		return PlatformNew, in.User.CreatedAt, ""

	case inDormantBand || (len(qualifying) > 0 && InWindow(lastQ, in.Watermark, in.Windows.DormantWindow)):
		return PlatformDormant, lastQ.Add(in.Windows.ActiveWindow), ""

	case len(qualifying) > 0:
		return PlatformChurned, lastQ.Add(in.Windows.DormantWindow), ""

	default:
		// Never engaged and past the signup grace.
		return PlatformChurned, in.User.CreatedAt.Add(in.Windows.DormantWindow), ""
	}
}

// carrySince keeps the original StateSince when the state did not change, so
// an unchanged state never looks like a fresh transition.
func carrySince(out UserPlatformState, prev *UserPlatformState) UserPlatformState {
	if prev != nil && prev.State == out.State {
		out.StateSince = prev.StateSince
	}
	return out
}

// qualifyingTimes extracts sorted qualifying-event timestamps at or before
// the watermark.
func qualifyingTimes(events []*v1.Event, watermark time.Time) []time.Time {
	var out []time.Time
	for _, e := range events {
		if e.IsQualifying && !e.OccurredAt.After(watermark) {
			out = append(out, e.OccurredAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func lastQualifyingEventID(events []*v1.Event, watermark time.Time) string {
	var best *v1.Event
	for _, e := range events {
		if !e.IsQualifying || e.OccurredAt.After(watermark) {
			continue
		}
		if best == nil || e.OccurredAt.After(best.OccurredAt) {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// latestAdminEvent returns the most recent deletion/restoration event, or nil.
func latestAdminEvent(events []*v1.Event, watermark time.Time) *v1.Event {
	var best *v1.Event
	for _, e := range events {
		if e.OccurredAt.After(watermark) {
			continue
		}
		if e.Type != "user_deleted" && e.Type != "user_restored" {
			continue
		}
		if best == nil || e.OccurredAt.After(best.OccurredAt) {
			best = e
		}
	}
	return best
}

// openDunning reports an unresolved payment failure: a payment_failed event
// with no later payment_succeeded, both at or before the watermark.
func openDunning(events []*v1.Event, watermark time.Time) bool {
	var lastFailed, lastOK time.Time
	for _, e := range events {
		if e.OccurredAt.After(watermark) {
			continue
		}
		switch e.Type {
		case "payment_failed":
			if e.OccurredAt.After(lastFailed) {
				lastFailed = e.OccurredAt
			}
		case "payment_succeeded":
			if e.OccurredAt.After(lastOK) {
				lastOK = e.OccurredAt
			}
		}
	}
	return !lastFailed.IsZero() && lastFailed.After(lastOK)
}
