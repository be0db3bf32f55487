package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/infrastructure/payment"
	"ferremas-settlement/internal/logger"
	"ferremas-settlement/internal/pricing"
	"ferremas-settlement/internal/repo"
	"ferremas-settlement/internal/service"
	"ferremas-settlement/internal/worker"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orders = 20

type fixedRate decimal.Decimal

func (r fixedRate) Rate(context.Context) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

// Runs checkouts against the simulation gateway. Roughly one in ten payments
// is charged at the gateway while every confirm call times out; the
// reconciliation worker has to find those.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lg, err := logger.New("ferremas-simulate", "dev", "warn")
	if err != nil {
		log.Fatal(err)
	}

	store := repo.NewMemoryStore()
	for _, id := range []string{"TAL-001", "MART-002", "SIER-003"} {
		if err := store.SetStock(ctx, id, 10); err != nil {
			log.Fatal(err)
		}
	}

	sim := payment.NewSimulationGateway("http://localhost:8080/api/payments/confirm", domain.OutcomeApproved)
	retry := payment.RetryPolicy{MaxRetries: 2, InitialInterval: 50 * time.Millisecond, MaxInterval: 100 * time.Millisecond}
	sessions := service.NewPaymentSessionManager(service.SessionManagerDeps{
		Orders:         store,
		Sessions:       store,
		Coupons:        store,
		Gateways:       payment.NewRegistry(sim),
		Reconciler:     service.NewStockReconciler(store, lg, time.Now),
		Logger:         lg,
		SessionTimeout: 2 * time.Second,
		Retry:          retry,
	})
	checkout := service.NewCheckoutService(service.CheckoutDeps{
		Orders:     store,
		Coupons:    store,
		Promotions: store,
		Rates:      fixedRate(decimal.NewFromInt(900)),
		Engine:     pricing.NewEngine(time.Now),
		Assembler:  service.NewOrderAssembler("CLP", time.Now),
		Logger:     lg,
	})

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", orders)
	ids := make([]uuid.UUID, 0, orders)
	for i := 0; i < orders; i++ {
		order, err := checkout.PlaceOrder(ctx, service.PlaceOrderCommand{
			Cart:           randomCart(),
			Shipping:       domain.ShippingInfo{Address: "Av. Providencia 1234", City: "Santiago", Region: "Metropolitana", PostalCode: "7500000", Phone: "+56912345678"},
			DeliveryMethod: domain.HomeDelivery,
		})
		if err != nil {
			log.Printf("place order failed: %v", err)
			continue
		}
		ids = append(ids, order.ID)

		session, err := sessions.StartSession(ctx, order.ID, domain.GatewaySimulation)
		if err != nil {
			log.Printf("start session failed: %v", err)
			continue
		}

		var scenario string
		switch roll := rand.IntN(10); {
		case roll < 7:
			scenario = "approve"
		case roll < 9:
			scenario = "reject"
			_ = sim.SetOutcome(session.Token, domain.OutcomeRejected)
		default:
			scenario = "phantom"
			sim.FailConfirm(session.Token, int(retry.MaxRetries)+1, true)
		}

		fmt.Printf("[%d] order %s total=%d scenario=%s ... ", i+1, order.ID, order.FinalTotal, scenario)
		res, err := sessions.HandleConfirmation(ctx, session.Token)
		switch {
		case errors.Is(err, domain.ErrGatewayUnavailable):
			fmt.Printf("GATEWAY TIMEOUT\n")
		case err != nil:
			fmt.Printf("FAILED: %v\n", err)
		case errors.Is(res.Err(), domain.ErrGatewayRejected):
			fmt.Printf("DECLINED\n")
		default:
			fmt.Printf("%s\n", res.Outcome)
		}

		fresh, _ := store.FindById(ctx, order.ID)
		fmt.Printf("    -> order status: %s\n", fresh.Status)
	}

	fmt.Println("--- WAITING FOR RECONCILIATION ---")
	go worker.NewReconciliationWorker(sessions, 500*time.Millisecond, lg).Run(ctx)
	time.Sleep(4 * time.Second)
	cancel()

	counts := make(map[domain.OrderStatus]int)
	for _, id := range ids {
		o, err := store.FindById(context.Background(), id)
		if err != nil {
			continue
		}
		counts[o.Status]++
	}
	fmt.Println("--- FINAL ORDER STATUSES ---")
	for _, s := range []domain.OrderStatus{domain.OrderPaid, domain.OrderFailed, domain.OrderCreated, domain.OrderAwaitingPayment} {
		fmt.Printf("%-17s %d\n", s, counts[s])
	}
	for _, id := range []string{"TAL-001", "MART-002", "SIER-003"} {
		n, _ := store.Stock(context.Background(), id)
		fmt.Printf("stock %-9s %d\n", id, n)
	}
}

func randomCart() domain.CartSnapshot {
	products := []domain.CartLine{
		{ProductID: "TAL-001", CategoryID: "HERR", Name: "Taladro percutor", UnitPriceBase: decimal.NewFromInt(120)},
		{ProductID: "MART-002", CategoryID: "HERR", Name: "Martillo carpintero", UnitPriceBase: decimal.NewFromInt(15)},
		{ProductID: "SIER-003", CategoryID: "CORTE", Name: "Sierra circular", UnitPriceBase: decimal.NewFromInt(210)},
	}
	n := 1 + rand.IntN(len(products))
	cart := make(domain.CartSnapshot, 0, n)
	for _, i := range rand.Perm(len(products))[:n] {
		line := products[i]
		line.Quantity = 1 + rand.IntN(2)
		cart = append(cart, line)
	}
	return cart
}
