package lifecycle

// PlatformState is a user's platform-wide lifecycle state.
// Exactly one primary state holds per user at any instant. Dunning is NOT a
// primary state: payment failure is carried as a modifier flag orthogonal to
// the primary state, so "Active + Dunning" is representable without breaking
// mutual exclusivity.
type PlatformState string

const (
	PlatformNew         PlatformState = "new"
	PlatformActive      PlatformState = "active"
	PlatformReturning   PlatformState = "returning"
	PlatformDormant     PlatformState = "dormant"
	PlatformChurned     PlatformState = "churned"
	PlatformReactivated PlatformState = "reactivated"
	PlatformDeleted     PlatformState = "deleted"
)

// ProductState is a user's lifecycle state within one product.
// ProductNeverAdopted is the implicit default for any (user, product) pair
// with no materialized record; it is never stored.
type ProductState string

const (
	ProductNeverAdopted ProductState = "never_adopted"
	ProductNew          ProductState = "new_to_product"
	ProductActive       ProductState = "active_in_product"
	ProductDormant      ProductState = "dormant_in_product"
	ProductChurned      ProductState = "churned_from_product"
	ProductReactivated  ProductState = "reactivated_in_product"
)

// AccountState is a B2B account's lifecycle state.
type AccountState string

const (
	AccountTrial       AccountState = "trial"
	AccountNewPaid     AccountState = "new_paid"
	AccountActive      AccountState = "active"
	AccountExpanding   AccountState = "expanding"
	AccountAtRisk      AccountState = "at_risk"
	AccountContracting AccountState = "contracting"
	AccountChurned     AccountState = "churned"
	AccountReactivated AccountState = "reactivated"
	AccountFrozen      AccountState = "frozen"
)

// engagementRank orders platform states from least to most engaged.
// Used by the reconciler: the merged platform state is the highest-ranked of
// the candidates. Deleted is terminal and never reconciled away.
var engagementRank = map[PlatformState]int{
	PlatformChurned:     1,
	PlatformDormant:     2,
	PlatformNew:         3,
	PlatformReactivated: 4,
	PlatformReturning:   5,
	PlatformActive:      6,
}

// MoreEngaged reports whether a is strictly more engaged than b.
func MoreEngaged(a, b PlatformState) bool {
	return engagementRank[a] > engagementRank[b]
}

// Engaged reports whether a platform state counts as a seat in use:
// active plus the transient re-entry states, which are active periods that
// happen to follow a gap.
func Engaged(s PlatformState) bool {
	switch s {
	case PlatformActive, PlatformReturning, PlatformReactivated:
		return true
	}
	return false
}

// EngagedInProduct is the product-scope analog of Engaged.
func EngagedInProduct(s ProductState) bool {
	switch s {
	case ProductActive, ProductReactivated:
		return true
	}
	return false
}

// platformEdges is the valid-transition set for platform states.
// The empty from-state ("") is the bootstrap case: the first computed state
// for a user is always admissible.
//
// Returning is reachable only from dormant, reactivated only from churned;
// deleted is reachable from everywhere and leaves only via explicit
// restoration (re-entry as new). Direct active->churned is admitted for the
// skipped-pass case where a user crosses both window boundaries between
// computations.
var platformEdges = map[PlatformState]map[PlatformState]bool{
	PlatformNew:         {PlatformActive: true, PlatformDormant: true, PlatformChurned: true, PlatformDeleted: true},
	PlatformActive:      {PlatformDormant: true, PlatformChurned: true, PlatformDeleted: true},
	PlatformReturning:   {PlatformActive: true, PlatformDormant: true, PlatformChurned: true, PlatformDeleted: true},
	PlatformDormant:     {PlatformReturning: true, PlatformChurned: true, PlatformDeleted: true},
	PlatformChurned:     {PlatformReactivated: true, PlatformDeleted: true},
	PlatformReactivated: {PlatformActive: true, PlatformDormant: true, PlatformChurned: true, PlatformDeleted: true},
	PlatformDeleted:     {PlatformNew: true},
}

// ValidPlatformTransition reports whether from -> to is an admissible edge.
// from == "" (no prior state) admits any target except the transient states,
// which require an observed prior period by definition.
func ValidPlatformTransition(from, to PlatformState) bool {
	if from == to {
		return false // no-op, not a transition
	}
	if from == "" {
		return to != PlatformReturning && to != PlatformReactivated
	}
	return platformEdges[from][to]
}

var productEdges = map[ProductState]map[ProductState]bool{
	ProductNew:         {ProductActive: true, ProductDormant: true, ProductChurned: true},
	ProductActive:      {ProductDormant: true, ProductChurned: true},
	ProductDormant:     {ProductReactivated: true, ProductChurned: true},
	ProductChurned:     {ProductReactivated: true},
	ProductReactivated: {ProductActive: true, ProductDormant: true, ProductChurned: true},
}

// ValidProductTransition reports whether from -> to is admissible for a
// (user, product) pair. from == "" covers lazy first materialization.
func ValidProductTransition(from, to ProductState) bool {
	if from == to {
		return false
	}
	if from == "" {
		return to == ProductNew || to == ProductActive
	}
	return productEdges[from][to]
}

var accountEdges = map[AccountState]map[AccountState]bool{
	AccountTrial:       {AccountNewPaid: true, AccountActive: true, AccountChurned: true, AccountFrozen: true},
	AccountNewPaid:     {AccountActive: true, AccountExpanding: true, AccountAtRisk: true, AccountContracting: true, AccountChurned: true, AccountFrozen: true},
	AccountActive:      {AccountExpanding: true, AccountAtRisk: true, AccountContracting: true, AccountChurned: true, AccountFrozen: true},
	AccountExpanding:   {AccountActive: true, AccountAtRisk: true, AccountContracting: true, AccountChurned: true, AccountFrozen: true},
	AccountAtRisk:      {AccountActive: true, AccountExpanding: true, AccountContracting: true, AccountChurned: true, AccountFrozen: true},
	AccountContracting: {AccountActive: true, AccountExpanding: true, AccountAtRisk: true, AccountChurned: true, AccountFrozen: true},
	AccountChurned:     {AccountReactivated: true},
	AccountReactivated: {AccountActive: true, AccountExpanding: true, AccountAtRisk: true, AccountContracting: true, AccountChurned: true, AccountFrozen: true},
	AccountFrozen:      {AccountActive: true, AccountAtRisk: true, AccountChurned: true},
}

// ValidAccountTransition reports whether from -> to is admissible for an
// account. Reactivated is reachable only from churned.
func ValidAccountTransition(from, to AccountState) bool {
	if from == to {
		return false
	}
	if from == "" {
		return to != AccountReactivated
	}
	return accountEdges[from][to]
}
