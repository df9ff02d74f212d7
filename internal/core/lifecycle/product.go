package lifecycle

import (
	"time"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
)

// UserProductState is the current state record for one (user, product) pair.
// Sparse by design: a pair with no interaction history is implicitly
// never_adopted and is never materialized — computation is triggered lazily
// by the first event that touches the pair, so state storage never requires a
// users x products cross join.
type UserProductState struct {
	UserID                string       `json:"user_id"`
	ProductID             string       `json:"product_id"`
	State                 ProductState `json:"state"`
	StateSince            time.Time    `json:"state_since"`
	FirstAccessAt         time.Time    `json:"first_access_at"`
	ActivationAt          *time.Time   `json:"activation_at,omitempty"`
	LastQualifyingEventAt time.Time    `json:"last_qualifying_event_at"`
	TotalQualifyingEvents int          `json:"total_qualifying_events"`
	TriggeringEventID     string       `json:"-"`
}

// ProductInput drives the product-state calculator for one pair.
type ProductInput struct {
	UserID    string
	ProductID string

	// Prev is the previously persisted pair state, nil on first touch.
	Prev *UserProductState

	// Events is the user's event history filtered to this product, already
	// classified under the product's own policy, in OccurredAt order.
	Events []*v1.Event

	Watermark time.Time
	Windows   WindowSet
}

// ComputeProductState derives the current state for one (user, product) pair
// as of the watermark. Callers must only invoke it for pairs with at least
// one event; pairs without history stay implicitly never_adopted.
func ComputeProductState(in ProductInput) UserProductState {
	out := UserProductState{
		UserID:    in.UserID,
		ProductID: in.ProductID,
	}

	var lastQ time.Time
	inActive := 0
	inDormantBand := false
	total := 0
	for _, e := range in.Events {
		if e.OccurredAt.After(in.Watermark) {
			continue
		}
		if out.FirstAccessAt.IsZero() || e.OccurredAt.Before(out.FirstAccessAt) {
			out.FirstAccessAt = e.OccurredAt
		}
		if e.IsActivation && out.ActivationAt == nil {
			ts := e.OccurredAt
			out.ActivationAt = &ts
		}
		if !e.IsQualifying {
			continue
		}
		total++
		if e.OccurredAt.After(lastQ) {
			lastQ = e.OccurredAt
		}
		if InWindow(e.OccurredAt, in.Watermark, in.Windows.ActiveWindow) {
			inActive++
		} else if InWindow(e.OccurredAt, in.Watermark, in.Windows.DormantWindow) {
			inDormantBand = true
		}
	}
	out.TotalQualifyingEvents = total
	out.LastQualifyingEventAt = lastQ

	firstTouchGrace := InWindow(out.FirstAccessAt, in.Watermark, in.Windows.SignupGrace) ||
		out.FirstAccessAt.Equal(in.Watermark.Add(-in.Windows.SignupGrace))

	switch {
	case inActive > 0 && firstTouchGrace && inActive < in.Windows.ActivationThreshold:
		out.State = ProductNew
		out.StateSince = out.FirstAccessAt

	case inActive > 0:
		out.State = ProductActive
		out.StateSince = lastQ
		out.TriggeringEventID = lastQualifyingEventID(in.Events, in.Watermark)

	case total == 0 && firstTouchGrace:
		// Touched the product (non-qualifying activity only) recently.
		out.State = ProductNew
		out.StateSince = out.FirstAccessAt

	case total > 0 && InWindow(lastQ, in.Watermark, in.Windows.DormantWindow), inDormantBand:
		out.State = ProductDormant
		out.StateSince = lastQ.Add(in.Windows.ActiveWindow)

	case total > 0:
		out.State = ProductChurned
		out.StateSince = lastQ.Add(in.Windows.DormantWindow)

	default:
		out.State = ProductChurned
		out.StateSince = out.FirstAccessAt.Add(in.Windows.DormantWindow)
	}

	// Reactivation overlay: product scope has a single transient re-entry
	// state covering both the dormant and churned cases.
	if out.State == ProductActive && in.Prev != nil {
		switch in.Prev.State {
		case ProductDormant, ProductChurned:
			out.State = ProductReactivated
		}
	}

	if in.Prev != nil {
		if in.Prev.State == out.State {
			out.StateSince = in.Prev.StateSince
		}
		// First access and activation are immutable once observed.
		if !in.Prev.FirstAccessAt.IsZero() && in.Prev.FirstAccessAt.Before(out.FirstAccessAt) {
			out.FirstAccessAt = in.Prev.FirstAccessAt
		}
		if in.Prev.ActivationAt != nil && out.ActivationAt == nil {
			out.ActivationAt = in.Prev.ActivationAt
		}
	}

	return out
}
