// Package api exposes the trading core over HTTP: order intake, book and
// trade reads, wallet operations, and the escrow lifecycle. Errors leave as
// RFC 7807 problem documents.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Neocreb/eloity-trading/internal/config"
	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/internal/marketdata"
	"github.com/Neocreb/eloity-trading/internal/risk"
	"github.com/Neocreb/eloity-trading/internal/trading"
)

// Server is the HTTP front of the trading core.
type Server struct {
	logger *zap.Logger
	http   *http.Server
}

// NewServer wires the routes and middleware.
func NewServer(logger *zap.Logger, cfg config.Server, svc *trading.Service, esc *escrow.Service, gate *risk.Gate, quotes *marketdata.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	h := &handlers{svc: svc, escrow: esc, gate: gate, quotes: quotes}

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/orderbook", h.getOrderBook)
	v1.GET("/quotes", h.getQuote)

	auth := v1.Group("", authRequired([]byte(cfg.JWTSecret)))
	{
		auth.POST("/orders", h.placeOrder)
		auth.GET("/orders", h.listOrders)
		auth.GET("/orders/:id", h.getOrder)
		auth.DELETE("/orders/:id", h.cancelOrder)

		auth.GET("/trades", h.getTradeHistory)

		auth.GET("/wallet/:asset", h.getWalletBalance)
		auth.GET("/wallet/:asset/entries", h.getLedgerEntries)
		auth.POST("/wallet/:asset/deposit", h.deposit)
		auth.POST("/wallet/:asset/withdraw", h.withdraw)

		auth.GET("/escrows/:id", h.getEscrow)
		auth.POST("/escrows/:id/confirm-delivery", h.confirmDelivery)
		auth.POST("/escrows/:id/confirm-receipt", h.confirmReceipt)
		auth.POST("/escrows/:id/dispute", h.raiseDispute)

		admin := auth.Group("/admin", adminRequired())
		admin.POST("/escrows/:id/resolve", h.resolveDispute)
		admin.POST("/users/:id/verification", h.applyVerification)
	}

	return &Server{
		logger: logger,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
