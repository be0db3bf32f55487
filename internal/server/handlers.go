package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/pricing"
	"ferremas-settlement/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type placeOrderRequest struct {
	Lines          domain.CartSnapshot `json:"lines"`
	Shipping       domain.ShippingInfo `json:"shipping"`
	DeliveryMethod string              `json:"delivery_method"`
	CouponCode     string              `json:"coupon_code"`
}

func (r placeOrderRequest) command() service.PlaceOrderCommand {
	return service.PlaceOrderCommand{
		Cart:           r.Lines,
		Shipping:       r.Shipping,
		DeliveryMethod: domain.DeliveryMethod(strings.ToUpper(strings.TrimSpace(r.DeliveryMethod))),
		CouponCode:     r.CouponCode,
	}
}

type startSessionRequest struct {
	Gateway string `json:"gateway" binding:"omitempty,oneof=real simulation"`
}

type outcomeRequest struct {
	Result string `json:"result" binding:"required,oneof=approved rejected"`
}

type quoteResponse struct {
	GrossTotal        int64           `json:"gross_total"`
	Subtotal          int64           `json:"subtotal"`
	PromotionDiscount int64           `json:"promotion_discount"`
	CouponDiscount    int64           `json:"coupon_discount"`
	FinalTotal        int64           `json:"final_total"`
	CouponCode        string          `json:"coupon_code,omitempty"`
	ExchangeRate      string          `json:"exchange_rate"`
	Lines             []quoteLineJSON `json:"lines"`
}

type quoteLineJSON struct {
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	UnitGross   int64  `json:"unit_gross"`
	UnitNet     int64  `json:"unit_net"`
	LineTotal   int64  `json:"line_total"`
	PromotionID string `json:"promotion_id,omitempty"`
}

type orderResponse struct {
	ID                uuid.UUID             `json:"id"`
	Status            domain.OrderStatus    `json:"status"`
	Lines             domain.CartSnapshot   `json:"lines"`
	Shipping          domain.ShippingInfo   `json:"shipping"`
	DeliveryMethod    domain.DeliveryMethod `json:"delivery_method"`
	Currency          string                `json:"currency"`
	ExchangeRate      string                `json:"exchange_rate"`
	Subtotal          int64                 `json:"subtotal"`
	PromotionDiscount int64                 `json:"promotion_discount"`
	CouponDiscount    int64                 `json:"coupon_discount"`
	FinalTotal        int64                 `json:"final_total"`
	CouponCode        string                `json:"coupon_code,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

type sessionResponse struct {
	SessionID         uuid.UUID           `json:"session_id"`
	OrderID           uuid.UUID           `json:"order_id"`
	Token             string              `json:"token"`
	RedirectURL       string              `json:"redirect_url,omitempty"`
	Gateway           domain.GatewayKind  `json:"gateway"`
	State             domain.SessionState `json:"state"`
	Amount            int64               `json:"amount"`
	AuthorizationCode string              `json:"authorization_code,omitempty"`
	ConfirmedAt       *time.Time          `json:"confirmed_at,omitempty"`
}

type confirmationResponse struct {
	Result            string             `json:"result"`
	OrderID           uuid.UUID          `json:"order_id"`
	OrderStatus       domain.OrderStatus `json:"order_status"`
	Amount            int64              `json:"amount"`
	AuthorizationCode string             `json:"authorization_code,omitempty"`
}

func toQuoteResponse(r pricing.Result) quoteResponse {
	lines := make([]quoteLineJSON, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = quoteLineJSON{
			ProductID:   l.ProductID,
			Quantity:    l.Quantity,
			UnitGross:   l.UnitGross,
			UnitNet:     l.UnitNet,
			LineTotal:   l.LineTotal,
			PromotionID: l.PromotionID,
		}
	}
	return quoteResponse{
		GrossTotal:        r.GrossTotal,
		Subtotal:          r.Subtotal,
		PromotionDiscount: r.PromotionDiscount,
		CouponDiscount:    r.CouponDiscount,
		FinalTotal:        r.FinalTotal,
		CouponCode:        r.CouponCode,
		ExchangeRate:      r.ExchangeRate.String(),
		Lines:             lines,
	}
}

func toOrderResponse(o *domain.Order) orderResponse {
	return orderResponse{
		ID:                o.ID,
		Status:            o.Status,
		Lines:             o.Lines,
		Shipping:          o.Shipping,
		DeliveryMethod:    o.DeliveryMethod,
		Currency:          o.Currency,
		ExchangeRate:      o.ExchangeRate.String(),
		Subtotal:          o.Subtotal,
		PromotionDiscount: o.PromotionDiscount,
		CouponDiscount:    o.CouponDiscount,
		FinalTotal:        o.FinalTotal,
		CouponCode:        o.CouponCode,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func toSessionResponse(s *domain.PaymentSession) sessionResponse {
	return sessionResponse{
		SessionID:         s.ID,
		OrderID:           s.OrderID,
		Token:             s.Token,
		RedirectURL:       s.RedirectURL,
		Gateway:           s.GatewayKind,
		State:             s.State,
		Amount:            s.Amount,
		AuthorizationCode: s.AuthorizationCode,
		ConfirmedAt:       s.ConfirmedAt,
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up", "store": "memory"})
		return
	}
	stats := s.db.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func (s *Server) quoteHandler(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.checkout.Quote(c.Request.Context(), req.command())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteResponse(res))
}

func (s *Server) placeOrderHandler(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.checkout.PlaceOrder(c.Request.Context(), req.command())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

func (s *Server) getOrderHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.checkout.GetOrder(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (s *Server) startSessionHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	var req startSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	kind := s.defaultGateway
	if req.Gateway != "" {
		kind = domain.GatewayKind(req.Gateway)
	}

	session, err := s.sessions.StartSession(c.Request.Context(), id, kind)
	var active *service.ActiveSessionError
	if errors.As(err, &active) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "session": toSessionResponse(active.Session)})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(session))
}

// confirmHandler is the gateway return URL. The token arrives as token_ws in
// the query string or a form body depending on the gateway.
func (s *Server) confirmHandler(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token_ws"))
	if token == "" {
		token = strings.TrimSpace(c.PostForm("token_ws"))
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_ws is required"})
		return
	}

	res, err := s.sessions.HandleConfirmation(c.Request.Context(), token)
	if err != nil {
		s.writeError(c, err)
		return
	}

	result := "expired"
	switch res.Outcome {
	case domain.OutcomeApproved:
		result = "approved"
	case domain.OutcomeRejected:
		result = "rejected"
	}
	c.JSON(http.StatusOK, confirmationResponse{
		Result:            result,
		OrderID:           res.Order.ID,
		OrderStatus:       res.Order.Status,
		Amount:            res.Session.Amount,
		AuthorizationCode: res.Session.AuthorizationCode,
	})
}

func (s *Server) sessionStatusHandler(c *gin.Context) {
	session, err := s.sessions.Status(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (s *Server) simulationOutcomeHandler(c *gin.Context) {
	if s.simulation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "simulation gateway is disabled"})
		return
	}
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome := domain.OutcomeApproved
	if req.Result == "rejected" {
		outcome = domain.OutcomeRejected
	}
	if err := s.simulation.SetOutcome(c.Param("token"), outcome); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": c.Param("token"), "result": req.Result})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrInvalidCart),
		errors.Is(err, domain.ErrInvalidShipping),
		errors.Is(err, domain.ErrInvalidPricingInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCouponInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionConflict), errors.Is(err, domain.ErrOrderNotPayable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
