package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
)

// HealthWeights are the component weights of the composite health score.
// Config-supplied; each component is normalized to [0,100] before weighting
// and the final score is clamped to the same range.
type HealthWeights struct {
	SeatUtilization decimal.Decimal
	ProductBreadth  decimal.Decimal
	RecentActivity  decimal.Decimal
	ContractStatus  decimal.Decimal
}

// DefaultHealthWeights returns the stock equal weighting.
func DefaultHealthWeights() HealthWeights {
	q := decimal.RequireFromString("0.25")
	return HealthWeights{
		SeatUtilization: q,
		ProductBreadth:  q,
		RecentActivity:  q,
		ContractStatus:  q,
	}
}

// ComponentScores are the four normalized health inputs.
type ComponentScores struct {
	SeatUtilization decimal.Decimal `json:"seat_utilization"`
	ProductBreadth  decimal.Decimal `json:"product_breadth"`
	RecentActivity  decimal.Decimal `json:"recent_activity"`
	ContractStatus  decimal.Decimal `json:"contract_status"`
}

// AccountStateRecord is the current state record for one account.
type AccountStateRecord struct {
	AccountID          string          `json:"account_id"`
	State              AccountState    `json:"state"`
	Dunning            bool            `json:"dunning"`
	HealthScore        decimal.Decimal `json:"health_score"`
	SeatUtilizationPct decimal.Decimal `json:"seat_utilization_pct"`
	Components         ComponentScores `json:"component_scores"`
	StateSince         time.Time       `json:"state_since"`
	TriggeringEventID  string          `json:"-"`
}

// AccountInput feeds the account decision table and health computation.
// Usage figures are derived by the caller from the account's users'
// states as of the same watermark, keeping this a pure function.
type AccountInput struct {
	Account v1.Account
	Prev    *AccountStateRecord

	// ActiveSeats is the count of the account's users whose reconciled
	// platform state is engaged (active, returning, or reactivated).
	ActiveSeats int

	// ProductsWithActiveUser / ProductsAvailable drive the breadth component.
	ProductsWithActiveUser int
	ProductsAvailable      int

	// QualifyingCurrent / QualifyingPrevious are the account-wide qualifying
	// event counts in the trailing window and the window before it, for the
	// activity trend.
	QualifyingCurrent  int
	QualifyingPrevious int

	// SeatTrendDelta is current seats-in-use minus the prior pass's figure.
	SeatTrendDelta int

	// Dunning reports an unresolved payment failure on the account.
	Dunning bool

	// Frozen reports an administrative freeze not yet lifted.
	Frozen bool

	// Cancelled reports an explicit subscription cancellation.
	Cancelled bool

	Watermark time.Time
	Windows   WindowSet
	Weights   HealthWeights

	// AtRiskThreshold is the health score below which a paying account
	// resolves to at_risk (default 40).
	AtRiskThreshold decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// renewalHorizon is the days-to-renewal span mapped onto the contract
// component: at or beyond 90 days out the contract contributes fully.
const renewalHorizon = 90 * 24 * time.Hour

// ComputeAccountState resolves the decision table and composite health score
// for one account as of the watermark.
func ComputeAccountState(in AccountInput) AccountStateRecord {
	comp := ComponentScores{
		SeatUtilization: seatUtilization(in.ActiveSeats, in.Account.TotalSeats),
		ProductBreadth:  ratioScore(in.ProductsWithActiveUser, in.ProductsAvailable),
		RecentActivity:  activityTrendScore(in.QualifyingCurrent, in.QualifyingPrevious),
		ContractStatus:  contractScore(in.Account.RenewalDate, in.Watermark, in.Dunning),
	}
	score := healthScore(comp, in.Weights)

	out := AccountStateRecord{
		AccountID:          in.Account.AccountID,
		Dunning:            in.Dunning,
		HealthScore:        score,
		SeatUtilizationPct: comp.SeatUtilization,
		Components:         comp,
		StateSince:         in.Watermark,
	}

	out.State = accountDecision(in, score)

	// Transient reactivation: one pass after leaving churned.
	if in.Prev != nil && in.Prev.State == AccountChurned &&
		out.State != AccountChurned && out.State != AccountFrozen {
		out.State = AccountReactivated
	}

	if in.Prev != nil && in.Prev.State == out.State {
		out.StateSince = in.Prev.StateSince
	}
	return out
}

// accountDecision is the decision table over subscription status, usage
// trend, and payment status. Order matters: administrative and contract
// terminals first, then trend states, then the healthy default.
func accountDecision(in AccountInput, score decimal.Decimal) AccountState {
	threshold := in.AtRiskThreshold
	if threshold.IsZero() {
		threshold = decimal.NewFromInt(40)
	}

	inactive := in.QualifyingCurrent == 0 && in.QualifyingPrevious == 0

	switch {
	case in.Frozen:
		return AccountFrozen

	case in.Cancelled:
		return AccountChurned

	case !in.Account.RenewalDate.IsZero() &&
		in.Watermark.After(in.Account.RenewalDate.Add(in.Windows.ActiveWindow)) && inactive:
		// Lapsed past renewal with no engagement at all: churned.
		return AccountChurned

	case in.Account.IsTrial():
		return AccountTrial

	case InWindow(in.Account.CreatedAt, in.Watermark, in.Windows.SignupGrace):
		return AccountNewPaid

	case in.Dunning || score.LessThan(threshold):
		return AccountAtRisk

	case in.SeatTrendDelta < 0 || shrinkingActivity(in.QualifyingCurrent, in.QualifyingPrevious):
		return AccountContracting

	case in.SeatTrendDelta > 0 || growingActivity(in.QualifyingCurrent, in.QualifyingPrevious):
		return AccountExpanding

	default:
		return AccountActive
	}
}

// seatUtilization = active_seats / total_seats * 100, clamped.
// Zero total seats yields zero, never a division by zero.
func seatUtilization(active, total int) decimal.Decimal {
	return ratioScore(active, total)
}

func ratioScore(num, den int) decimal.Decimal {
	if den <= 0 || num <= 0 {
		return decimal.Zero
	}
	score := decimal.NewFromInt(int64(num)).
		Div(decimal.NewFromInt(int64(den))).
		Mul(hundred)
	return clampScore(score)
}

// activityTrendScore maps the qualifying-event trend onto [0,100]:
// no current activity scores 0; activity with no baseline scores full;
// otherwise the current/previous ratio is centered so that a flat trend
// scores 50 and a doubled volume saturates at 100.
func activityTrendScore(current, previous int) decimal.Decimal {
	if current <= 0 {
		return decimal.Zero
	}
	if previous <= 0 {
		return hundred
	}
	ratio := decimal.NewFromInt(int64(current)).Div(decimal.NewFromInt(int64(previous)))
	return clampScore(ratio.Mul(decimal.NewFromInt(50)))
}

// contractScore maps days-to-renewal onto [0,100] across the 90-day horizon
// and halves the score while a payment failure is unresolved. Renewal dates
// already past score zero.
func contractScore(renewal, watermark time.Time, dunning bool) decimal.Decimal {
	if renewal.IsZero() {
		return decimal.NewFromInt(50) // no contract data: neutral
	}
	until := renewal.Sub(watermark)
	if until < 0 {
		until = 0
	}
	score := decimal.NewFromInt(int64(until.Hours())).
		Div(decimal.NewFromInt(int64(renewalHorizon.Hours()))).
		Mul(hundred)
	if dunning {
		score = score.Div(decimal.NewFromInt(2))
	}
	return clampScore(score)
}

// healthScore is the weighted sum of the four components, clamped to [0,100].
func healthScore(c ComponentScores, w HealthWeights) decimal.Decimal {
	sum := c.SeatUtilization.Mul(w.SeatUtilization).
		Add(c.ProductBreadth.Mul(w.ProductBreadth)).
		Add(c.RecentActivity.Mul(w.RecentActivity)).
		Add(c.ContractStatus.Mul(w.ContractStatus))
	return clampScore(sum).Round(2)
}

func clampScore(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if d.GreaterThan(hundred) {
		return hundred
	}
	return d
}

func shrinkingActivity(current, previous int) bool {
	return previous > 0 && current*2 < previous // volume halved or worse
}

func growingActivity(current, previous int) bool {
	return previous > 0 && current >= previous*2 // volume doubled or better
}
