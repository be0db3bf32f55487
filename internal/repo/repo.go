package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

type OrderRepo interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type PaymentSessionRepo interface {
	// OpenSession moves the order CREATED -> AWAITING_PAYMENT and stores the
	// session in state CREATED, atomically.
	OpenSession(ctx context.Context, session *domain.PaymentSession) error
	// MarkRedirected records the gateway token and moves CREATED -> REDIRECTED.
	MarkRedirected(ctx context.Context, id uuid.UUID, token, redirectURL string, at time.Time) error
	// Resolve is a compare-and-swap: it applies only while the session is
	// non-terminal and the order is AWAITING_PAYMENT. It reports whether it
	// applied.
	Resolve(ctx context.Context, r domain.Resolution) (bool, error)
	FindByToken(ctx context.Context, token string) (*domain.PaymentSession, error)
	FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentSession, error)
	FindStale(ctx context.Context, before time.Time, limit int) ([]domain.PaymentSession, error)
	FindUnreconciled(ctx context.Context, limit int) ([]domain.PaymentSession, error)
}

type CouponRepo interface {
	FindByCode(ctx context.Context, code string) (*domain.Coupon, error)
	// Claim counts one use of the coupon for the order. Claiming twice for the
	// same order counts once.
	Claim(ctx context.Context, code string, orderID uuid.UUID, at time.Time) error
	// Release undoes a claim. Releasing an unclaimed coupon, or the claim of
	// a PAID order, is a no-op.
	Release(ctx context.Context, code string, orderID uuid.UUID) error
}

type PromotionRepo interface {
	// FindActive returns promotions targeting the given products or categories
	// that are active at the given time, highest priority first.
	FindActive(ctx context.Context, productIDs, categoryIDs []string, at time.Time) ([]domain.Promotion, error)
}

type StockRepo interface {
	// Decrement writes the ledger entry and lowers stock (never below zero) in
	// one step. An existing entry makes it a no-op with Applied=false.
	Decrement(ctx context.Context, entry domain.StockLedgerEntry) (domain.DecrementResult, error)
	Ledger(ctx context.Context, orderID uuid.UUID) ([]domain.StockLedgerEntry, error)
	SetStock(ctx context.Context, productID string, quantity int) error
	Stock(ctx context.Context, productID string) (int, error)
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w; rollback err: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
