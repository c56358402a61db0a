// Package billing decides when a client's subscription renews.
package billing

import (
	"time"

	"ispcore/internal/models"
)

const (
	WeeklyPeriod  = 7 * 24 * time.Hour
	MonthlyPeriod = 30 * 24 * time.Hour

	// DefaultWindow is how close to expiry a subscription must be to renew
	// without being forced.
	DefaultWindow = 24 * time.Hour
)

// DecisionKind is the outcome of a renewal evaluation.
type DecisionKind string

const (
	DecisionRenew             DecisionKind = "renew"
	DecisionHold              DecisionKind = "hold"
	DecisionInsufficientFunds DecisionKind = "insufficient_funds"
	DecisionAlreadyValid      DecisionKind = "already_valid"
)

// Decision is the result of Evaluate. Dates and Amount are set only for renew.
type Decision struct {
	Kind         DecisionKind `json:"decision"`
	NewStartDate time.Time    `json:"new_start_date,omitzero"`
	NewEndDate   time.Time    `json:"new_end_date,omitzero"`
	Amount       models.Money `json:"amount,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// Period returns the length of one billing period.
func Period(t models.SubscriptionType) time.Duration {
	if t == models.SubscriptionWeekly {
		return WeeklyPeriod
	}
	return MonthlyPeriod
}

// Evaluator is the pure renewal policy.
type Evaluator struct {
	window time.Duration
}

// NewEvaluator creates an evaluator. A non-positive window uses DefaultWindow.
func NewEvaluator(window time.Duration) *Evaluator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Evaluator{window: window}
}

// Window returns the renewal window.
func (e *Evaluator) Window() time.Duration {
	return e.window
}

// Evaluate decides whether c should renew at now. force skips the window
// check but never the funds check.
//
// A renewal extends from max(now, current end date), so early renewals keep
// paid-for time and late renewals do not backdate.
func (e *Evaluator) Evaluate(c *models.Client, now time.Time, force bool) Decision {
	if c.MonthlyRate <= 0 {
		return Decision{Kind: DecisionHold, Reason: "monthly rate is not positive"}
	}

	period := Period(c.SubscriptionType)

	if c.SubscriptionEndDate == nil {
		if !c.CanCoverRenewal() {
			return Decision{Kind: DecisionInsufficientFunds}
		}
		return Decision{
			Kind:         DecisionRenew,
			NewStartDate: now,
			NewEndDate:   now.Add(period),
			Amount:       c.MonthlyRate,
		}
	}

	end := *c.SubscriptionEndDate
	if end.Sub(now) > e.window && !force {
		return Decision{Kind: DecisionAlreadyValid}
	}

	if !c.CanCoverRenewal() {
		return Decision{Kind: DecisionInsufficientFunds}
	}

	base := now
	start := now
	if end.After(now) {
		base = end
		if c.SubscriptionStartDate != nil {
			start = *c.SubscriptionStartDate
		}
	}

	return Decision{
		Kind:         DecisionRenew,
		NewStartDate: start,
		NewEndDate:   base.Add(period),
		Amount:       c.MonthlyRate,
	}
}
