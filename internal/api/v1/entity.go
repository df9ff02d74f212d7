package v1

import "time"

// User is the platform-wide identity record. Created once at signup;
// identity fields are immutable thereafter.
type User struct {
	UserID            string    `json:"user_id"`
	AccountID         string    `json:"account_id,omitempty"`
	Email             string    `json:"email,omitempty"`
	Country           string    `json:"country"`
	PlanType          string    `json:"plan_type"`
	AcquisitionSource string    `json:"acquisition_source"`
	CreatedAt         time.Time `json:"created_at"`
}

// ProductTier places a catalog node in the 4-level hierarchy.
// Only tier = product nodes participate directly in user-product state;
// feature and sub-feature activity rolls up through event attribution.
type ProductTier string

const (
	TierFamily     ProductTier = "family"
	TierProduct    ProductTier = "product"
	TierFeature    ProductTier = "feature"
	TierSubFeature ProductTier = "sub-feature"
)

// Product is one node of the product catalog hierarchy.
type Product struct {
	ProductID string      `json:"product_id"`
	Name      string      `json:"name,omitempty"`
	Tier      ProductTier `json:"tier"`
	ParentID  string      `json:"parent_id,omitempty"`
	Active    bool        `json:"active"`
}

// Account is the B2B contract record.
type Account struct {
	AccountID               string    `json:"account_id"`
	Name                    string    `json:"name,omitempty"`
	SubscriptionTier        string    `json:"subscription_tier"` // trial | standard | enterprise
	TotalSeats              int       `json:"total_seats"`
	MonthlyRecurringRevenue float64   `json:"monthly_recurring_revenue"`
	RenewalDate             time.Time `json:"renewal_date"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsTrial reports whether the account is on a trial subscription.
func (a *Account) IsTrial() bool {
	return a.SubscriptionTier == "trial"
}
