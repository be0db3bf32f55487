package server

import (
	"fmt"
	"net/http"
	"time"

	"ferremas-settlement/internal/database"
	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/infrastructure/payment"
	"ferremas-settlement/internal/service"

	"go.uber.org/zap"
)

type Deps struct {
	Checkout       service.CheckoutService
	Sessions       service.PaymentSessionManager
	Simulation     *payment.SimulationGateway
	DB             database.Service
	DefaultGateway domain.GatewayKind
	AllowedOrigins []string
	Logger         *zap.Logger
}

type Server struct {
	checkout       service.CheckoutService
	sessions       service.PaymentSessionManager
	simulation     *payment.SimulationGateway
	db             database.Service
	defaultGateway domain.GatewayKind
	allowedOrigins []string
	log            *zap.Logger
}

func New(deps Deps) *Server {
	s := &Server{
		checkout:       deps.Checkout,
		sessions:       deps.Sessions,
		simulation:     deps.Simulation,
		db:             deps.DB,
		defaultGateway: deps.DefaultGateway,
		allowedOrigins: deps.AllowedOrigins,
		log:            deps.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if !s.defaultGateway.Valid() {
		s.defaultGateway = domain.GatewaySimulation
	}
	return s
}

func NewHTTPServer(port int, s *Server) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
