// Package http exposes the facilitator over HTTP: the x402 verify/settle
// surface plus the deferred-scheme voucher and escrow endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/x402-foundation/x402-facilitator"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm/deferred"
)

// settlementCacheTTL is how long a successful settle response stays
// replayable for duplicate requests
const settlementCacheTTL = 10 * time.Minute

// ServerConfig wires the facilitator's components into the HTTP server.
// Manager and Escrow may be nil when the deferred scheme is not enabled;
// their routes then respond 404.
type ServerConfig struct {
	Facilitator *x402.Facilitator
	Manager     *deferred.Manager
	Escrow      *deferred.EscrowController

	// EscrowAddress and ChainID scope flush authorizations; required when
	// Escrow is set
	EscrowAddress string
	ChainID       uint64

	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Server is the facilitator HTTP server
type Server struct {
	engine      *gin.Engine
	facilitator *x402.Facilitator
	manager     *deferred.Manager
	escrow      *deferred.EscrowController
	escrowAddr  string
	chainID     uint64
	cache       *x402.SettlementCache
	logger      *slog.Logger
	metrics     *Metrics
}

// NewServer builds the server and registers all routes
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		facilitator: config.Facilitator,
		manager:     config.Manager,
		escrow:      config.Escrow,
		escrowAddr:  config.EscrowAddress,
		chainID:     config.ChainID,
		cache:       x402.NewSettlementCache(settlementCacheTTL),
		logger:      logger,
		metrics:     NewMetrics(registry),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.GET("/supported", s.handleSupported)

	if s.manager != nil {
		engine.POST("/vouchers", s.handleStoreVoucher)
		engine.GET("/vouchers/available", s.handleAvailableVoucher)
		engine.GET("/vouchers/:id", s.handleVoucherSeries)
		engine.GET("/vouchers/:id/:nonce", s.handleGetVoucher)
	}
	if s.escrow != nil && s.manager != nil {
		engine.POST("/vouchers/:id/:nonce/settle", s.handleSettleVoucher)
		engine.POST("/escrow/flush", s.handleFlush)
	}

	s.engine = engine
	return s
}

// Handler returns the underlying http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the server on addr and blocks until the context is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("facilitator listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger attaches a correlation id and records latency per route
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestID", requestID)
		c.Header("X-Request-Id", requestID)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(duration.Seconds())

		s.logger.Info("request",
			"id", requestID,
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", duration,
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *Server) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("verify failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	s.metrics.VerifyTotal.WithLabelValues(
		req.PaymentRequirements.Scheme,
		string(req.PaymentRequirements.Network),
		outcomeLabel(resp.IsValid),
	).Inc()
	c.JSON(http.StatusOK, resp)
}

// handleSettle applies the idempotency cache around the dispatcher: a
// duplicate of a successful settle replays the cached response, and a
// duplicate of an in-flight settle waits for the winner instead of
// submitting a second transaction.
func (s *Server) handleSettle(c *gin.Context) {
	var req x402.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	payloadBytes, err := json.Marshal(req.PaymentPayload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment payload"})
		return
	}
	key := x402.SettlementKey(payloadBytes)

	status, cached, done := s.cache.CheckAndMark(key)
	switch status {
	case x402.StatusCached:
		c.JSON(http.StatusOK, cached)
		return
	case x402.StatusInFlight:
		result, err := s.cache.WaitForResult(c.Request.Context(), key, done)
		if err != nil {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "settlement in progress"})
			return
		}
		if result != nil {
			c.JSON(http.StatusOK, result)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent settlement failed, retry"})
		return
	}

	resp, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.cache.Fail(key, done)
		s.logger.Error("settle failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	if resp.Success {
		s.cache.Complete(key, &resp, done)
	} else {
		s.cache.Fail(key, done)
	}

	s.metrics.SettleTotal.WithLabelValues(
		req.PaymentRequirements.Scheme,
		string(req.PaymentRequirements.Network),
		outcomeLabel(resp.Success),
	).Inc()
	c.JSON(http.StatusOK, resp)
}

// storeVoucherRequest is the body for POST /vouchers
type storeVoucherRequest struct {
	Voucher   deferred.Voucher `json:"voucher"`
	Signature string           `json:"signature"`
}

func (s *Server) handleStoreVoucher(c *gin.Context) {
	var req storeVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := s.manager.StoreVoucher(c.Request.Context(), req.Voucher, req.Signature)
	s.metrics.VoucherOpsTotal.WithLabelValues("store", outcomeLabel(err == nil)).Inc()
	if err != nil {
		status := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, deferred.ErrStaleNonce),
			errors.Is(err, deferred.ErrDecreasingAggregate),
			errors.Is(err, deferred.ErrSeriesTerminal):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stored": true})
}

func (s *Server) handleAvailableVoucher(c *gin.Context) {
	buyer := c.Query("buyer")
	seller := c.Query("seller")
	if buyer == "" || seller == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyer and seller are required"})
		return
	}

	voucher, err := s.manager.GetAvailableVoucher(c.Request.Context(), buyer, seller)
	if err != nil {
		s.logger.Error("voucher lookup failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if voucher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no available voucher"})
		return
	}
	c.JSON(http.StatusOK, voucher)
}

func (s *Server) handleVoucherSeries(c *gin.Context) {
	series, err := s.manager.GetVoucherSeries(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("series lookup failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if len(series) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "series not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": series})
}

func (s *Server) handleGetVoucher(c *gin.Context) {
	nonce, err := strconv.ParseUint(c.Param("nonce"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}

	voucher, err := s.manager.GetVoucher(c.Request.Context(), c.Param("id"), nonce)
	if err != nil {
		s.logger.Error("voucher lookup failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if voucher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "voucher not found"})
		return
	}
	c.JSON(http.StatusOK, voucher)
}

// handleSettleVoucher drives on-chain settlement of a stored voucher
func (s *Server) handleSettleVoucher(c *gin.Context) {
	nonce, err := strconv.ParseUint(c.Param("nonce"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}

	stored, err := s.manager.GetVoucher(c.Request.Context(), c.Param("id"), nonce)
	if err != nil {
		s.logger.Error("voucher lookup failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if stored == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "voucher not found"})
		return
	}

	resp, err := s.escrow.SettleVoucher(c.Request.Context(), stored.Voucher, stored.Signature, s.manager.Store())
	if err != nil {
		s.logger.Error("voucher settlement failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	s.metrics.VoucherOpsTotal.WithLabelValues("settle", outcomeLabel(resp.Success)).Inc()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFlush(c *gin.Context) {
	var auth deferred.FlushAuthorization
	if err := c.ShouldBindJSON(&auth); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.escrow.FlushWithAuthorization(c.Request.Context(), auth, s.escrowAddr, s.chainID, s.manager.Store())
	if err != nil {
		s.logger.Error("flush failed", "id", c.GetString("requestID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush failed"})
		return
	}

	s.metrics.FlushTotal.WithLabelValues(outcomeLabel(result.Success)).Inc()
	c.JSON(http.StatusOK, result)
}
