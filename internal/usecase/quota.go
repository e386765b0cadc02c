package usecase

import (
	"fmt"
	"time"

	"github.com/recaplab/recap-engine/internal/domain"
)

// QuotaSummary is the user-facing quota view for the current period.
type QuotaSummary struct {
	BillingPeriod            string  `json:"billing_period"`
	SubscriptionMinutesLimit float64 `json:"subscription_minutes_limit"`
	SubscriptionMinutesUsed  float64 `json:"subscription_minutes_used"`
	TopUpMinutesRemaining    float64 `json:"top_up_minutes_remaining"`
	AvailableMinutes         float64 `json:"available_minutes"`
}

// QuotaService reads quota balances.
type QuotaService struct {
	Ledger domain.Ledger
	now    func() time.Time
}

// NewQuotaService constructs a QuotaService.
func NewQuotaService(ledger domain.Ledger) QuotaService {
	return QuotaService{Ledger: ledger, now: time.Now}
}

// Summary returns the caller's balance for the current billing period.
func (s QuotaService) Summary(ctx domain.Context, userID string) (QuotaSummary, error) {
	if userID == "" {
		return QuotaSummary{}, fmt.Errorf("op=quota.summary: %w", domain.ErrUnauthenticated)
	}
	acct, err := s.Ledger.Account(ctx, userID, domain.PeriodOf(s.now()))
	if err != nil {
		return QuotaSummary{}, err
	}
	return QuotaSummary{
		BillingPeriod:            acct.BillingPeriod,
		SubscriptionMinutesLimit: acct.SubscriptionMinutesLimit,
		SubscriptionMinutesUsed:  acct.SubscriptionMinutesUsed,
		TopUpMinutesRemaining:    acct.TopUpMinutesRemaining(),
		AvailableMinutes:         acct.AvailableMinutes(),
	}, nil
}
