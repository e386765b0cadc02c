package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/recaplab/recap-engine/internal/domain"
)

type reservation struct {
	id       string
	userID   string
	jobID    string
	estimate float64
	released bool
}

type account struct {
	limit  float64
	used   map[string]float64 // billing period -> used minutes
	topUps []domain.TopUpCredit
}

// Ledger is an in-memory domain.Ledger. All operations run under one lock,
// which trivially satisfies the per-user serialization requirement.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]*reservation // by reservation id
	byJob        map[string]string       // job id -> reservation id
	usage        map[string]domain.UsageRecord
	now          func() time.Time
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts:     make(map[string]*account),
		reservations: make(map[string]*reservation),
		byJob:        make(map[string]string),
		usage:        make(map[string]domain.UsageRecord),
		now:          time.Now,
	}
}

// SetSubscription sets a user's subscription minute limit.
func (l *Ledger) SetSubscription(userID string, limitMinutes float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(userID).limit = limitMinutes
}

// SetUsed force-sets used minutes for a period (test seeding).
func (l *Ledger) SetUsed(userID, period string, minutes float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(userID).used[period] = minutes
}

func (l *Ledger) account(userID string) *account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &account{used: make(map[string]float64)}
		l.accounts[userID] = a
	}
	return a
}

func usageKey(jobID, period string) string { return jobID + "|" + period }

// Reserve checks availability without deducting. Idempotent per job.
func (l *Ledger) Reserve(_ domain.Context, userID string, estimateMinutes float64, jobID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rid, ok := l.byJob[jobID]; ok {
		if r := l.reservations[rid]; r != nil && !r.released {
			return rid, nil
		}
	}
	a := l.account(userID)
	period := domain.PeriodOf(l.now())
	avail := a.limit - a.used[period]
	for _, t := range a.topUps {
		avail += t.RemainingMinutes
	}
	if avail < estimateMinutes {
		return "", fmt.Errorf("op=ledger.reserve: need %.1f min, have %.1f: %w", estimateMinutes, avail, domain.ErrQuotaExceeded)
	}
	r := &reservation{id: ulid.Make().String(), userID: userID, jobID: jobID, estimate: estimateMinutes}
	l.reservations[r.id] = r
	l.byJob[jobID] = r.id
	return r.id, nil
}

// Commit deducts actual minutes and inserts the usage record atomically.
// A pre-existing (jobID, billingPeriod) record makes it a success no-op.
func (l *Ledger) Commit(_ domain.Context, reservationID string, actualMinutes float64, jobID, billingPeriod string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.usage[usageKey(jobID, billingPeriod)]; ok {
		return nil
	}
	r, ok := l.reservations[reservationID]
	if !ok || r.released {
		return fmt.Errorf("op=ledger.commit: reservation %s: %w", reservationID, domain.ErrNotFound)
	}
	a := l.account(r.userID)

	remaining := actualMinutes
	headroom := a.limit - a.used[billingPeriod]
	if headroom > 0 {
		take := min(headroom, remaining)
		a.used[billingPeriod] += take
		remaining -= take
	}
	// Top-ups oldest-first.
	sort.SliceStable(a.topUps, func(i, k int) bool { return a.topUps[i].CreatedAt.Before(a.topUps[k].CreatedAt) })
	for i := range a.topUps {
		if remaining <= 0 {
			break
		}
		take := min(a.topUps[i].RemainingMinutes, remaining)
		a.topUps[i].RemainingMinutes -= take
		remaining -= take
	}
	// Any residual beyond the balance still lands on the subscription
	// counter so invariant accounting stays visible.
	if remaining > 0 {
		a.used[billingPeriod] += remaining
	}

	l.usage[usageKey(jobID, billingPeriod)] = domain.UsageRecord{
		JobID:         jobID,
		UserID:        r.userID,
		BillingPeriod: billingPeriod,
		MinutesBilled: actualMinutes,
		CreatedAt:     l.now().UTC(),
	}
	delete(l.byJob, r.jobID)
	delete(l.reservations, reservationID)
	return nil
}

// Release drops a reservation without deducting. Idempotent.
func (l *Ledger) Release(_ domain.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return nil
	}
	r.released = true
	delete(l.byJob, r.jobID)
	delete(l.reservations, reservationID)
	return nil
}

// TopUp adds purchased minutes. Idempotent by externalRef.
func (l *Ledger) TopUp(_ domain.Context, userID string, minutes float64, externalRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(userID)
	for _, t := range a.topUps {
		if t.ExternalRef == externalRef {
			return nil
		}
	}
	a.topUps = append(a.topUps, domain.TopUpCredit{
		ID:               ulid.Make().String(),
		PurchasedMinutes: minutes,
		RemainingMinutes: minutes,
		ExternalRef:      externalRef,
		CreatedAt:        l.now().UTC(),
	})
	return nil
}

// Account returns the user's quota state for a billing period.
func (l *Ledger) Account(_ domain.Context, userID, billingPeriod string) (domain.QuotaAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(userID)
	acc := domain.QuotaAccount{
		UserID:                   userID,
		BillingPeriod:            billingPeriod,
		SubscriptionMinutesLimit: a.limit,
		SubscriptionMinutesUsed:  a.used[billingPeriod],
	}
	acc.TopUps = append(acc.TopUps, a.topUps...)
	return acc, nil
}

// UsageRecords lists all usage rows for a job (test observability).
func (l *Ledger) UsageRecords(jobID string) []domain.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.UsageRecord
	for _, u := range l.usage {
		if u.JobID == jobID {
			out = append(out, u)
		}
	}
	return out
}
