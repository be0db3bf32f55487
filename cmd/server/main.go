package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ferremas-settlement/internal/config"
	"ferremas-settlement/internal/database"
	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/infrastructure/events"
	"ferremas-settlement/internal/infrastructure/exchange"
	"ferremas-settlement/internal/infrastructure/payment"
	"ferremas-settlement/internal/logger"
	"ferremas-settlement/internal/pricing"
	"ferremas-settlement/internal/repo"
	"ferremas-settlement/internal/server"
	"ferremas-settlement/internal/service"
	"ferremas-settlement/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type stores struct {
	orders     repo.OrderRepo
	sessions   repo.PaymentSessionRepo
	coupons    repo.CouponRepo
	promotions repo.PromotionRepo
	stock      repo.StockRepo
	db         database.Service
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	lg, err := logger.New("ferremas-settlement", cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg, lg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	var cache redis.Cmdable
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		cache = rdb
	}
	rates := exchange.NewProvider(exchange.Config{
		URL:      cfg.Exchange.URL,
		CacheTTL: cfg.Exchange.CacheTTL,
		Fallback: cfg.Exchange.Fallback,
	}, cache, &http.Client{Timeout: 5 * time.Second}, lg)

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
	}
	defer publisher.Close()

	simOutcome := domain.OutcomeApproved
	if strings.EqualFold(cfg.SimulationDefault, "rejected") {
		simOutcome = domain.OutcomeRejected
	}
	sim := payment.NewSimulationGateway(cfg.SimulationReturnURL, simOutcome)

	gateways := []payment.PaymentGateway{sim}
	if cfg.Stripe.SecretKey != "" {
		sg, err := payment.NewStripeGateway(payment.StripeGatewayConfig{
			SecretKey:  cfg.Stripe.SecretKey,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Currency:   cfg.Stripe.Currency,
			Logger:     lg,
		})
		if err != nil {
			return err
		}
		gateways = append(gateways, sg)
	} else {
		lg.Warn("STRIPE_SECRET_KEY not set, real gateway disabled")
	}

	retry := payment.DefaultRetryPolicy()
	retry.MaxRetries = cfg.ConfirmRetries
	retry.AttemptTimeout = cfg.GatewayTimeout

	sessions := service.NewPaymentSessionManager(service.SessionManagerDeps{
		Orders:         st.orders,
		Sessions:       st.sessions,
		Coupons:        st.coupons,
		Gateways:       payment.NewRegistry(gateways...),
		Reconciler:     service.NewStockReconciler(st.stock, lg, time.Now),
		Events:         publisher,
		Logger:         lg,
		SessionTimeout: cfg.SessionTimeout,
		GatewayTimeout: cfg.GatewayTimeout,
		Retry:          retry,
	})
	checkout := service.NewCheckoutService(service.CheckoutDeps{
		Orders:     st.orders,
		Coupons:    st.coupons,
		Promotions: st.promotions,
		Rates:      rates,
		Engine:     pricing.NewEngine(time.Now),
		Assembler:  service.NewOrderAssembler(cfg.Currency, time.Now),
		Logger:     lg,
	})

	srv := server.NewHTTPServer(cfg.HTTPPort, server.New(server.Deps{
		Checkout:       checkout,
		Sessions:       sessions,
		Simulation:     sim,
		DB:             st.db,
		DefaultGateway: domain.GatewayKind(cfg.DefaultGateway),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         lg,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.NewReconciliationWorker(sessions, cfg.ReconcileInterval, lg).Run(gctx)
		return nil
	})
	g.Go(func() error {
		lg.Info("http server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lg.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStores(cfg config.Config, lg *zap.Logger) (stores, error) {
	if cfg.Store == "memory" {
		lg.Warn("using in-memory store, data is lost on restart")
		m := repo.NewMemoryStore()
		return stores{orders: m, sessions: m, coupons: m, promotions: m, stock: m}, nil
	}

	db, err := database.NewPostgres(cfg.DB)
	if err != nil {
		return stores{}, err
	}
	if err := database.Migrate(db); err != nil {
		_ = db.Close()
		return stores{}, err
	}
	return postgresStores(db), nil
}

func postgresStores(db *sql.DB) stores {
	return stores{
		orders:     repo.NewOrderRepo(db),
		sessions:   repo.NewPaymentSessionRepo(db),
		coupons:    repo.NewCouponRepo(db),
		promotions: repo.NewPromotionRepo(db),
		stock:      repo.NewStockRepo(db),
		db:         database.New(db),
	}
}
