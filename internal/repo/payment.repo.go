package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

const sessionColumns = `id, COALESCE(token, ''), order_id, gateway_kind, amount, state, redirect_url,
	authorization_code, created_at, updated_at, confirmed_at`

type paymentSessionRepo struct {
	db *sql.DB
}

func NewPaymentSessionRepo(db *sql.DB) PaymentSessionRepo {
	return &paymentSessionRepo{db: db}
}

func (r *paymentSessionRepo) OpenSession(ctx context.Context, s *domain.PaymentSession) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			domain.OrderAwaitingPayment, s.CreatedAt, s.OrderID, domain.OrderCreated,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrSessionConflict
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO payment_sessions (id, token, order_id, gateway_kind, amount, state, created_at, updated_at)
			 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)`,
			s.ID, s.Token, s.OrderID, s.GatewayKind, s.Amount, s.State, s.CreatedAt, s.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return domain.ErrSessionConflict
		}
		if err != nil {
			return fmt.Errorf("insert payment session: %w", err)
		}
		return nil
	})
}

func (r *paymentSessionRepo) MarkRedirected(ctx context.Context, id uuid.UUID, token, redirectURL string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_sessions
		 SET token = $1, redirect_url = $2, state = $3, updated_at = $4
		 WHERE id = $5 AND state = $6`,
		token, redirectURL, domain.SessionRedirected, at, id, domain.SessionCreated,
	)
	if isUniqueViolation(err) {
		return domain.ErrSessionConflict
	}
	if err != nil {
		return fmt.Errorf("mark session redirected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSessionConflict
	}
	return nil
}

func (r *paymentSessionRepo) Resolve(ctx context.Context, res domain.Resolution) (bool, error) {
	applied := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var confirmedAt *time.Time
		if res.State == domain.SessionConfirmed {
			confirmedAt = &res.ResolvedAt
		}

		out, err := tx.ExecContext(ctx,
			`UPDATE payment_sessions
			 SET state = $1, authorization_code = $2, confirmed_at = $3, updated_at = $4
			 WHERE id = $5 AND state IN ($6, $7)`,
			res.State, res.AuthorizationCode, confirmedAt, res.ResolvedAt,
			res.SessionID, domain.SessionCreated, domain.SessionRedirected,
		)
		if err != nil {
			return fmt.Errorf("resolve session: %w", err)
		}
		if n, err := out.RowsAffected(); err != nil || n == 0 {
			return err
		}

		out, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			res.OrderStatus, res.ResolvedAt, res.OrderID, domain.OrderAwaitingPayment,
		)
		if err != nil {
			return fmt.Errorf("resolve order: %w", err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// the order moved without its session; keep both untouched
			return domain.ErrSessionConflict
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *paymentSessionRepo) FindByToken(ctx context.Context, token string) (*domain.PaymentSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE token = $1`, token)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session by token: %w", err)
	}
	return s, nil
}

func (r *paymentSessionRepo) FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE order_id = $1 AND state IN ($2, $3)`,
		orderID, domain.SessionCreated, domain.SessionRedirected,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return s, nil
}

func (r *paymentSessionRepo) FindStale(ctx context.Context, before time.Time, limit int) ([]domain.PaymentSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE state IN ($1, $2) AND created_at < $3
		 ORDER BY created_at
		 LIMIT $4`,
		domain.SessionCreated, domain.SessionRedirected, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	return collectSessions(rows)
}

// FindUnreconciled returns confirmed sessions whose order still has lines
// without a stock ledger entry.
func (r *paymentSessionRepo) FindUnreconciled(ctx context.Context, limit int) ([]domain.PaymentSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, COALESCE(s.token, ''), s.order_id, s.gateway_kind, s.amount, s.state, s.redirect_url,
		        s.authorization_code, s.created_at, s.updated_at, s.confirmed_at
		 FROM payment_sessions s
		 JOIN orders o ON o.id = s.order_id
		 WHERE s.state = $1
		   AND (SELECT COUNT(*) FROM stock_ledger l WHERE l.order_id = o.id) < jsonb_array_length(o.lines)
		 ORDER BY s.confirmed_at
		 LIMIT $2`,
		domain.SessionConfirmed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unreconciled sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]domain.PaymentSession, error) {
	defer rows.Close()

	var sessions []domain.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	err := row.Scan(
		&s.ID,
		&s.Token,
		&s.OrderID,
		&s.GatewayKind,
		&s.Amount,
		&s.State,
		&s.RedirectURL,
		&s.AuthorizationCode,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
