// Package ledger owns user credit balances. Every balance change is paired
// with an append-only credit_transactions row in the same DB transaction.
package ledger

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"tsxstudio/internal/db"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/util"
)

const (
	// FreeCredits is granted to every new entitlement.
	FreeCredits = 3
	// ReferredSignupCredits replaces FreeCredits for referred signups.
	ReferredSignupCredits = 5
	// ReferrerBonus is credited to the referrer of a new signup.
	ReferrerBonus = 5
)

// CreateFunc creates the job row inside the admission transaction.
type CreateFunc func(ctx context.Context, q db.Querier) error

type Deps struct {
	DB  db.DB
	Log *logger.Logger
}

type Ledger struct {
	db    db.DB
	log   *logger.Logger
	newID func() string
}

func New(d Deps) *Ledger {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Ledger{
		db:    d.DB,
		log:   log.WithComponent("ledger"),
		newID: func() string { return util.NewID("") },
	}
}

var errAlreadyRefunded = stderrors.New("already refunded")

// Admit deducts cost from userID's balance, records a DEDUCT transaction
// tagged with jobID and runs create, all in one DB transaction. When the
// balance cannot cover cost nothing is written and an INSUFFICIENT_CREDITS
// error is returned. A cost of zero skips the deduction.
func (l *Ledger) Admit(ctx context.Context, userID string, cost int, jobID string, create CreateFunc) (int, error) {
	const op = "ledger.admit"
	if cost < 0 {
		return 0, errors.Validation("cost must not be negative")
	}

	var balance int
	err := db.WithTx(ctx, l.db, func(tx pgx.Tx) error {
		if err := l.ensure(ctx, tx, userID); err != nil {
			return err
		}

		if cost > 0 {
			err := tx.QueryRow(ctx, `
				UPDATE entitlements
				SET credits_balance = credits_balance - $2, updated_at = now()
				WHERE user_id = $1 AND credits_balance >= $2
				RETURNING credits_balance
			`, userID, cost).Scan(&balance)
			if err != nil {
				if db.IsNoRows(err) {
					current, _ := l.currentBalance(ctx, tx, userID)
					return errors.InsufficientCredits(userID, current, cost)
				}
				return errors.Wrap(err, op, "deduct credits failed")
			}

			if err := l.insertTx(ctx, tx, userID, models.TxDeduct, -cost, jobID, "job admission"); err != nil {
				return errors.Wrap(err, op, "record deduction failed")
			}
		} else {
			b, err := l.currentBalance(ctx, tx, userID)
			if err != nil {
				return errors.Wrap(err, op, "read balance failed")
			}
			balance = b
		}

		if create != nil {
			if err := create(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.log.FromContext(ctx).Info("credits admitted",
		"user_id", userID,
		"job_id", jobID,
		"cost", cost,
		"balance", balance,
	)
	return balance, nil
}

// Refund returns cost to userID for jobID. It reports false without error when
// the job was already refunded or cost is zero.
func (l *Ledger) Refund(ctx context.Context, userID, jobID string, cost int) (bool, error) {
	const op = "ledger.refund"
	if cost <= 0 {
		return false, nil
	}

	err := db.WithTx(ctx, l.db, func(tx pgx.Tx) error {
		if err := l.insertTx(ctx, tx, userID, models.TxRefund, cost, jobID, "job failed"); err != nil {
			if db.IsUniqueViolation(err) {
				return errAlreadyRefunded
			}
			return errors.Wrap(err, op, "record refund failed")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE entitlements
			SET credits_balance = credits_balance + $2, updated_at = now()
			WHERE user_id = $1
		`, userID, cost)
		if err != nil {
			return errors.Wrap(err, op, "credit balance failed")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("entitlement", userID)
		}
		return nil
	})
	if stderrors.Is(err, errAlreadyRefunded) {
		l.log.FromContext(ctx).Info("refund skipped, already applied", "user_id", userID, "job_id", jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.log.FromContext(ctx).Info("credits refunded", "user_id", userID, "job_id", jobID, "cost", cost)
	return true, nil
}

// Balance returns the entitlement, creating the FREE one on first access.
func (l *Ledger) Balance(ctx context.Context, userID string) (models.Entitlement, error) {
	var e models.Entitlement
	err := db.WithTx(ctx, l.db, func(tx pgx.Tx) error {
		if err := l.ensure(ctx, tx, userID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			SELECT user_id, plan, credits_balance, monthly_credits, created_at, updated_at
			FROM entitlements
			WHERE user_id = $1
		`, userID).Scan(&e.UserID, &e.Plan, &e.CreditsBalance, &e.MonthlyCredits, &e.CreatedAt, &e.UpdatedAt)
	})
	if err != nil {
		return e, errors.Wrap(err, "ledger.balance", "load entitlement failed")
	}
	return e, nil
}

// History lists the newest transactions first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := l.db.Query(ctx, `
		SELECT id, user_id, type, amount, job_id, note, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "ledger.history", "query transactions failed")
	}
	defer rows.Close()

	out := make([]models.CreditTransaction, 0, limit)
	for rows.Next() {
		var t models.CreditTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.JobID, &t.Note, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "ledger.history", "scan transaction failed")
		}
		t.Type = models.TxType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SignupGrant creates the entitlement of a new user. Referred signups start
// with ReferredSignupCredits and the referrer earns ReferrerBonus. It returns
// false when the user already had an entitlement.
func (l *Ledger) SignupGrant(ctx context.Context, userID, referrerID string) (bool, error) {
	const op = "ledger.signup_grant"
	if referrerID == userID {
		referrerID = ""
	}

	grant := FreeCredits
	if referrerID != "" {
		grant = ReferredSignupCredits
	}

	var created bool
	err := db.WithTx(ctx, l.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO entitlements (user_id, plan, credits_balance, monthly_credits)
			VALUES ($1, 'FREE', $2, $3)
			ON CONFLICT (user_id) DO NOTHING
		`, userID, grant, FreeCredits)
		if err != nil {
			return errors.Wrap(err, op, "create entitlement failed")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true

		if err := l.insertTx(ctx, tx, userID, models.TxGrant, grant, "", "signup grant"); err != nil {
			return errors.Wrap(err, op, "record grant failed")
		}
		if referrerID == "" {
			return nil
		}

		if err := l.ensure(ctx, tx, referrerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE entitlements
			SET credits_balance = credits_balance + $2, updated_at = now()
			WHERE user_id = $1
		`, referrerID, ReferrerBonus); err != nil {
			return errors.Wrap(err, op, "credit referrer failed")
		}
		return l.insertTx(ctx, tx, referrerID, models.TxReferral, ReferrerBonus, "", "referral: "+userID)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// ensure lazily creates the FREE entitlement with its paired GRANT row.
func (l *Ledger) ensure(ctx context.Context, q db.Querier, userID string) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO entitlements (user_id, plan, credits_balance, monthly_credits)
		VALUES ($1, 'FREE', $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, FreeCredits)
	if err != nil {
		return errors.Wrap(err, "ledger.ensure", "create entitlement failed")
	}
	if tag.RowsAffected() == 1 {
		if err := l.insertTx(ctx, q, userID, models.TxGrant, FreeCredits, "", "free plan grant"); err != nil {
			return errors.Wrap(err, "ledger.ensure", "record grant failed")
		}
	}
	return nil
}

func (l *Ledger) currentBalance(ctx context.Context, q db.Querier, userID string) (int, error) {
	var b int
	err := q.QueryRow(ctx, `SELECT credits_balance FROM entitlements WHERE user_id = $1`, userID).Scan(&b)
	return b, err
}

func (l *Ledger) insertTx(ctx context.Context, q db.Querier, userID string, typ models.TxType, amount int, jobID, note string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, job_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.newID(), userID, string(typ), amount, nullIfEmpty(jobID), note)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
