package postgres

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/recaplab/recap-engine/internal/domain"
)

// LedgerRepo is the PostgreSQL quota ledger. Every mutation runs in a
// transaction that locks the user's account row, so concurrent commits
// for the same user serialize.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Reserve verifies the user has headroom for the estimate without deducting
// anything. Re-reserving the same job returns the existing reservation id.
func (r *LedgerRepo) Reserve(ctx domain.Context, userID string, estimateMinutes float64, jobID string) (string, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Reserve")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing string
	err = tx.QueryRow(ctx, `SELECT id FROM reservations WHERE job_id=$1`, jobID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=ledger.reserve: %w", err)
	}

	period := domain.PeriodOf(time.Now())
	acc, err := accountLocked(ctx, tx, userID, period)
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve: %w", err)
	}
	if acc.AvailableMinutes() < estimateMinutes {
		return "", fmt.Errorf("op=ledger.reserve: need %.1f min, have %.1f: %w",
			estimateMinutes, acc.AvailableMinutes(), domain.ErrQuotaExceeded)
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	_, err = tx.Exec(ctx, `INSERT INTO reservations (id, user_id, job_id, estimate_minutes, created_at)
		VALUES ($1,$2,$3,$4,$5)`, id, userID, jobID, estimateMinutes, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=ledger.reserve: %w", err)
	}
	return id, nil
}

// Commit deducts actual minutes and inserts the usage record atomically.
// The usage insert goes first with ON CONFLICT DO NOTHING; a conflict means
// this (job, period) was already billed and the whole call is a no-op.
func (r *LedgerRepo) Commit(ctx domain.Context, reservationID string, actualMinutes float64, jobID, billingPeriod string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Commit")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=ledger.commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx, `SELECT user_id FROM reservations WHERE id=$1 FOR UPDATE`, reservationID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Reservation already consumed. If the usage row exists this is a
		// replay after a crash between deduction and job finalization.
		var n int
		err = tx.QueryRow(ctx, `SELECT count(*) FROM usage_records WHERE job_id=$1 AND billing_period=$2`,
			jobID, billingPeriod).Scan(&n)
		if err != nil {
			return fmt.Errorf("op=ledger.commit: %w", err)
		}
		if n > 0 {
			return nil
		}
		return fmt.Errorf("op=ledger.commit: reservation %s: %w", reservationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=ledger.commit: %w", err)
	}

	tag, err := tx.Exec(ctx, `INSERT INTO usage_records (job_id, user_id, billing_period, minutes_billed, created_at)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (job_id, billing_period) DO NOTHING`,
		jobID, userID, billingPeriod, actualMinutes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already billed. Drop the reservation and succeed.
		if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1`, reservationID); err != nil {
			return fmt.Errorf("op=ledger.commit: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=ledger.commit: %w", err)
		}
		return nil
	}

	if err := deduct(ctx, tx, userID, billingPeriod, actualMinutes); err != nil {
		return fmt.Errorf("op=ledger.commit: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1`, reservationID); err != nil {
		return fmt.Errorf("op=ledger.commit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.commit: %w", err)
	}
	return nil
}

// deduct draws minutes from the subscription counter first, then from
// top-up credits oldest first. Any residual beyond purchased top-ups lands
// on the subscription counter so the books still balance.
func deduct(ctx domain.Context, tx pgx.Tx, userID, period string, minutes float64) error {
	var limit, used float64
	err := tx.QueryRow(ctx, `SELECT subscription_minutes_limit FROM quota_accounts WHERE user_id=$1 FOR UPDATE`,
		userID).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		limit = 0
	} else if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `SELECT minutes_used FROM subscription_usage WHERE user_id=$1 AND billing_period=$2 FOR UPDATE`,
		userID, period).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		used = 0
	} else if err != nil {
		return err
	}

	fromSub := limit - used
	if fromSub > minutes {
		fromSub = minutes
	}
	if fromSub < 0 {
		fromSub = 0
	}
	remaining := minutes - fromSub

	rows, err := tx.Query(ctx, `SELECT id, remaining_minutes FROM top_up_credits
		WHERE user_id=$1 AND remaining_minutes > 0 ORDER BY created_at ASC FOR UPDATE`, userID)
	if err != nil {
		return err
	}
	type draw struct {
		id  string
		amt float64
	}
	var draws []draw
	for rows.Next() {
		var id string
		var rem float64
		if err := rows.Scan(&id, &rem); err != nil {
			rows.Close()
			return err
		}
		if remaining <= 0 {
			break
		}
		amt := rem
		if amt > remaining {
			amt = remaining
		}
		draws = append(draws, draw{id: id, amt: amt})
		remaining -= amt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, d := range draws {
		if _, err := tx.Exec(ctx, `UPDATE top_up_credits SET remaining_minutes = remaining_minutes - $2 WHERE id=$1`,
			d.id, d.amt); err != nil {
			return err
		}
	}

	// fromSub plus any overage the top-ups could not cover.
	subCharge := fromSub + remaining
	if subCharge > 0 {
		_, err = tx.Exec(ctx, `INSERT INTO subscription_usage (user_id, billing_period, minutes_used)
			VALUES ($1,$2,$3)
			ON CONFLICT (user_id, billing_period) DO UPDATE SET minutes_used = subscription_usage.minutes_used + $3`,
			userID, period, subCharge)
		if err != nil {
			return err
		}
	}
	return nil
}

// Release drops a reservation without billing. Missing reservations are fine.
func (r *LedgerRepo) Release(ctx domain.Context, reservationID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Release")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM reservations WHERE id=$1`, reservationID)
	if err != nil {
		return fmt.Errorf("op=ledger.release: %w", err)
	}
	return nil
}

// TopUp adds a purchased credit pool. Idempotent on the payment provider's
// external reference.
func (r *LedgerRepo) TopUp(ctx domain.Context, userID string, minutes float64, externalRef string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.TopUp")
	defer span.End()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	_, err := r.Pool.Exec(ctx, `INSERT INTO top_up_credits (id, user_id, purchased_minutes, remaining_minutes, external_ref, created_at)
		VALUES ($1,$2,$3,$3,$4,$5) ON CONFLICT (external_ref) DO NOTHING`,
		id, userID, minutes, externalRef, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.topup: %w", err)
	}
	return nil
}

// Account returns the user's balance for the period.
func (r *LedgerRepo) Account(ctx domain.Context, userID, billingPeriod string) (domain.QuotaAccount, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Account")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.QuotaAccount{}, fmt.Errorf("op=ledger.account: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	acc, err := accountLocked(ctx, tx, userID, billingPeriod)
	if err != nil {
		return domain.QuotaAccount{}, fmt.Errorf("op=ledger.account: %w", err)
	}
	return acc, nil
}

// accountLocked reads the account, usage and credits inside the caller's tx.
func accountLocked(ctx domain.Context, tx pgx.Tx, userID, period string) (domain.QuotaAccount, error) {
	acc := domain.QuotaAccount{UserID: userID, BillingPeriod: period}
	err := tx.QueryRow(ctx, `SELECT subscription_minutes_limit FROM quota_accounts WHERE user_id=$1`,
		userID).Scan(&acc.SubscriptionMinutesLimit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return acc, err
	}
	err = tx.QueryRow(ctx, `SELECT minutes_used FROM subscription_usage WHERE user_id=$1 AND billing_period=$2`,
		userID, period).Scan(&acc.SubscriptionMinutesUsed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return acc, err
	}
	rows, err := tx.Query(ctx, `SELECT id, purchased_minutes, remaining_minutes, external_ref, created_at
		FROM top_up_credits WHERE user_id=$1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return acc, err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.TopUpCredit
		if err := rows.Scan(&t.ID, &t.PurchasedMinutes, &t.RemainingMinutes, &t.ExternalRef, &t.CreatedAt); err != nil {
			return acc, err
		}
		acc.TopUps = append(acc.TopUps, t)
	}
	if err := rows.Err(); err != nil {
		return acc, err
	}
	return acc, nil
}

// SetSubscription upserts the user's plan limit. Used by provisioning hooks.
func (r *LedgerRepo) SetSubscription(ctx domain.Context, userID string, limitMinutes float64) error {
	_, err := r.Pool.Exec(ctx, `INSERT INTO quota_accounts (user_id, subscription_minutes_limit)
		VALUES ($1,$2) ON CONFLICT (user_id) DO UPDATE SET subscription_minutes_limit = $2`,
		userID, limitMinutes)
	if err != nil {
		return fmt.Errorf("op=ledger.set_subscription: %w", err)
	}
	return nil
}
