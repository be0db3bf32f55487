package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

// MemoryStore keeps every aggregate in process memory. It implements all
// repository interfaces with the same atomicity as the Postgres ones and
// backs STORE=memory, the simulator binary and service tests.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]domain.Order
	sessions    map[uuid.UUID]domain.PaymentSession
	coupons     map[string]domain.Coupon
	redemptions map[string]map[uuid.UUID]time.Time
	promotions  []prioritizedPromotion
	stock       map[string]int
	ledger      map[uuid.UUID]map[string]domain.StockLedgerEntry
}

type prioritizedPromotion struct {
	promo    domain.Promotion
	priority int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[uuid.UUID]domain.Order),
		sessions:    make(map[uuid.UUID]domain.PaymentSession),
		coupons:     make(map[string]domain.Coupon),
		redemptions: make(map[string]map[uuid.UUID]time.Time),
		stock:       make(map[string]int),
		ledger:      make(map[uuid.UUID]map[string]domain.StockLedgerEntry),
	}
}

var (
	_ OrderRepo          = (*MemoryStore)(nil)
	_ PaymentSessionRepo = (*MemoryStore)(nil)
	_ CouponRepo         = (*MemoryStore)(nil)
	_ PromotionRepo      = (*MemoryStore)(nil)
	_ StockRepo          = (*MemoryStore)(nil)
)

func (m *MemoryStore) PutCoupon(c domain.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = domain.NormalizeCouponCode(c.Code)
	m.coupons[c.Code] = c
}

func (m *MemoryStore) PutPromotion(p domain.Promotion, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotions = append(m.promotions, prioritizedPromotion{promo: p, priority: priority})
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	o := *order
	o.Lines = order.Lines.Clone()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	o.Lines = o.Lines.Clone()
	return &o, nil
}

func (m *MemoryStore) OpenSession(_ context.Context, s *domain.PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[s.OrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != domain.OrderCreated {
		return domain.ErrSessionConflict
	}
	for _, existing := range m.sessions {
		if existing.OrderID == s.OrderID && !existing.State.IsTerminal() {
			return domain.ErrSessionConflict
		}
	}
	o.Status = domain.OrderAwaitingPayment
	o.UpdatedAt = s.CreatedAt
	m.orders[o.ID] = o
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) MarkRedirected(_ context.Context, id uuid.UUID, token, redirectURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State != domain.SessionCreated {
		return domain.ErrSessionConflict
	}
	for _, other := range m.sessions {
		if other.ID != id && other.Token == token {
			return domain.ErrSessionConflict
		}
	}
	s.Token = token
	s.RedirectURL = redirectURL
	s.State = domain.SessionRedirected
	s.UpdatedAt = at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, res domain.Resolution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[res.SessionID]
	if !ok || s.State.IsTerminal() {
		return false, nil
	}
	o, ok := m.orders[res.OrderID]
	if !ok || o.Status != domain.OrderAwaitingPayment {
		return false, domain.ErrSessionConflict
	}

	s.State = res.State
	s.AuthorizationCode = res.AuthorizationCode
	s.UpdatedAt = res.ResolvedAt
	if res.State == domain.SessionConfirmed {
		at := res.ResolvedAt
		s.ConfirmedAt = &at
	}
	o.Status = res.OrderStatus
	o.UpdatedAt = res.ResolvedAt
	m.sessions[s.ID] = s
	m.orders[o.ID] = o
	return true, nil
}

func (m *MemoryStore) FindByToken(_ context.Context, token string) (*domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if token != "" && s.Token == token {
			return &s, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MemoryStore) FindActiveByOrder(_ context.Context, orderID uuid.UUID) (*domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.OrderID == orderID && !s.State.IsTerminal() {
			return &s, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MemoryStore) FindStale(_ context.Context, before time.Time, limit int) ([]domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentSession
	for _, s := range m.sessions {
		if !s.State.IsTerminal() && s.CreatedAt.Before(before) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) FindUnreconciled(_ context.Context, limit int) ([]domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentSession
	for _, s := range m.sessions {
		if s.State != domain.SessionConfirmed {
			continue
		}
		if len(m.ledger[s.OrderID]) < len(m.orders[s.OrderID].Lines) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) FindByCode(_ context.Context, code string) (*domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[domain.NormalizeCouponCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown code %s", domain.ErrCouponInvalid, code)
	}
	return &c, nil
}

func (m *MemoryStore) Claim(_ context.Context, code string, orderID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code = domain.NormalizeCouponCode(code)
	c, ok := m.coupons[code]
	if !ok {
		return fmt.Errorf("%w: unknown code %s", domain.ErrCouponInvalid, code)
	}
	if _, claimed := m.redemptions[code][orderID]; claimed {
		return nil
	}
	if !c.Active || (c.UsageLimit != nil && c.CurrentUsage >= *c.UsageLimit) {
		return fmt.Errorf("%w: %s reached its usage limit", domain.ErrCouponInvalid, code)
	}
	if m.redemptions[code] == nil {
		m.redemptions[code] = make(map[uuid.UUID]time.Time)
	}
	m.redemptions[code][orderID] = at
	c.CurrentUsage++
	m.coupons[code] = c
	return nil
}

func (m *MemoryStore) Release(_ context.Context, code string, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code = domain.NormalizeCouponCode(code)
	if _, claimed := m.redemptions[code][orderID]; !claimed {
		return nil
	}
	if o, ok := m.orders[orderID]; ok && o.Status == domain.OrderPaid {
		return nil
	}
	delete(m.redemptions[code], orderID)
	c := m.coupons[code]
	if c.CurrentUsage > 0 {
		c.CurrentUsage--
	}
	m.coupons[code] = c
	return nil
}

func (m *MemoryStore) FindActive(_ context.Context, productIDs, categoryIDs []string, at time.Time) ([]domain.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	products := toSet(productIDs)
	categories := toSet(categoryIDs)

	var matched []prioritizedPromotion
	for _, p := range m.promotions {
		if !p.promo.ActiveAt(at) {
			continue
		}
		switch p.promo.Scope {
		case domain.ScopeProduct:
			if !products[p.promo.TargetID] {
				continue
			}
		case domain.ScopeCategory:
			if !categories[p.promo.TargetID] {
				continue
			}
		default:
			continue
		}
		matched = append(matched, p)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].promo.ID < matched[j].promo.ID
	})

	out := make([]domain.Promotion, len(matched))
	for i, p := range matched {
		out[i] = p.promo
	}
	return out, nil
}

func (m *MemoryStore) Decrement(_ context.Context, e domain.StockLedgerEntry) (domain.DecrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.stock[e.ProductID]
	if _, done := m.ledger[e.OrderID][e.ProductID]; done {
		return domain.DecrementResult{Applied: false, Remaining: current}, nil
	}

	shortfall := 0
	if e.QuantityDelta > current {
		shortfall = e.QuantityDelta - current
	}
	remaining := current - e.QuantityDelta
	if remaining < 0 {
		remaining = 0
	}
	e.Shortfall = shortfall
	if m.ledger[e.OrderID] == nil {
		m.ledger[e.OrderID] = make(map[string]domain.StockLedgerEntry)
	}
	m.ledger[e.OrderID][e.ProductID] = e
	m.stock[e.ProductID] = remaining
	return domain.DecrementResult{Applied: true, Remaining: remaining, Shortfall: shortfall}, nil
}

func (m *MemoryStore) Ledger(_ context.Context, orderID uuid.UUID) ([]domain.StockLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockLedgerEntry
	for _, e := range m.ledger[orderID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *MemoryStore) SetStock(_ context.Context, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quantity < 0 {
		quantity = 0
	}
	m.stock[productID] = quantity
	return nil
}

func (m *MemoryStore) Stock(_ context.Context, productID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID], nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func truncate(sessions []domain.PaymentSession, limit int) []domain.PaymentSession {
	if limit > 0 && len(sessions) > limit {
		return sessions[:limit]
	}
	return sessions
}
