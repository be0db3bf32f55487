package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ferremas-settlement/internal/config"
	"ferremas-settlement/internal/database"
	"ferremas-settlement/internal/domain"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := database.NewPostgres(config.Database{
		Host:     host,
		Port:     port.Port(),
		Username: "testuser",
		Password: "testpass",
		Database: "testdb",
		Schema:   "public",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(db))
	// the seeded coupon would collide with the fixtures below
	_, err = db.Exec(`DELETE FROM coupons`)
	require.NoError(t, err)
	return db
}

func TestPostgresStore(t *testing.T) {
	db := setupTestDB(t)

	runContract(t, func(t *testing.T) stores {
		_, err := db.Exec(`TRUNCATE stock_ledger, coupon_redemptions, payment_sessions, orders, coupons, promotions, product_stock`)
		require.NoError(t, err)

		return stores{
			orders:     NewOrderRepo(db),
			sessions:   NewPaymentSessionRepo(db),
			coupons:    NewCouponRepo(db),
			promotions: NewPromotionRepo(db),
			stock:      NewStockRepo(db),
			putCoupon: func(t *testing.T, c domain.Coupon) {
				_, err := db.Exec(
					`INSERT INTO coupons (code, discount_percentage, minimum_order_amount, usage_limit, current_usage, valid_from, valid_to, active)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					domain.NormalizeCouponCode(c.Code), c.DiscountPercentage, c.MinimumOrderAmount,
					c.UsageLimit, c.CurrentUsage, c.ValidFrom, c.ValidTo, c.Active,
				)
				require.NoError(t, err)
			},
			putPromotion: func(t *testing.T, p domain.Promotion, priority int) {
				_, err := db.Exec(
					`INSERT INTO promotions (id, scope, target_id, kind, value, priority, valid_from, valid_to)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					p.ID, p.Scope, p.TargetID, p.Kind, p.Value, priority, p.ValidFrom, p.ValidTo,
				)
				require.NoError(t, err)
			},
		}
	})
}
