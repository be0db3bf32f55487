package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"
)

type promotionRepo struct {
	db *sql.DB
}

func NewPromotionRepo(db *sql.DB) PromotionRepo {
	return &promotionRepo{db: db}
}

func (r *promotionRepo) FindActive(ctx context.Context, productIDs, categoryIDs []string, at time.Time) ([]domain.Promotion, error) {
	if len(productIDs) == 0 && len(categoryIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, scope, target_id, kind, value, valid_from, valid_to
		 FROM promotions
		 WHERE valid_from <= $1 AND valid_to >= $1
		   AND ((scope = 'product' AND target_id = ANY($2))
		     OR (scope = 'category' AND target_id = ANY($3)))
		 ORDER BY priority DESC, id`,
		at, productIDs, categoryIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close()

	var promos []domain.Promotion
	for rows.Next() {
		var p domain.Promotion
		if err := rows.Scan(&p.ID, &p.Scope, &p.TargetID, &p.Kind, &p.Value, &p.ValidFrom, &p.ValidTo); err != nil {
			return nil, err
		}
		promos = append(promos, p)
	}
	return promos, rows.Err()
}
