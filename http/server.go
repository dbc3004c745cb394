package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/webhook"
)

// Server exposes a facilitator over HTTP (/verify, /settle, /supported) and,
// when an engine is attached, webhook intake and the session settle route.
type Server struct {
	engine      *tipengine.Engine
	facilitator tipengine.FacilitatorClient
	logger      *zap.Logger
	authSecret  []byte
	corsOrigins []string
	router      *gin.Engine
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithEngine attaches the engine serving webhook and session routes
func WithEngine(engine *tipengine.Engine) ServerOption {
	return func(s *Server) {
		s.engine = engine
	}
}

// WithFacilitator exposes facilitator on /verify, /settle and /supported
func WithFacilitator(facilitator tipengine.FacilitatorClient) ServerOption {
	return func(s *Server) {
		s.facilitator = facilitator
	}
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAuthSecret requires HS256 bearer tokens on facilitator routes
func WithAuthSecret(secret string) ServerOption {
	return func(s *Server) {
		if secret != "" {
			s.authSecret = []byte(secret)
		}
	}
}

func WithCORSOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// NewServer builds the router. Routes are registered only for the parts supplied.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:      zap.NewNop(),
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if s.facilitator != nil {
		group := router.Group("/")
		if s.authSecret != nil {
			group.Use(s.requireBearer())
		}
		group.POST("/verify", s.handleVerify)
		group.POST("/settle", s.handleSettle)
		group.GET("/supported", s.handleSupported)
	}

	if s.engine != nil {
		router.POST("/webhooks/payments", s.handleWebhook)
		router.POST("/api/payments/prepare/:id", s.handlePrepare)
		router.POST("/api/payments/settle/:id", s.handleSessionSettle)
		router.GET("/api/payments/status/:id", s.handlePaymentStatus)
	}

	s.router = router
	return s
}

// Router returns the gin engine without the CORS wrapper
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", PaymentHeader, webhook.SignatureHeader},
		AllowCredentials: false,
	}).Handler(s.router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := ParseBearer(c.GetHeader("Authorization"), s.authSecret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// ============================================================================
// Facilitator routes
// ============================================================================

func (s *Server) bindFacilitatorRequest(c *gin.Context) (*facilitatorRequest, bool) {
	var req facilitatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return nil, false
	}
	if req.PaymentPayload.X402Version == 0 {
		req.PaymentPayload.X402Version = req.X402Version
	}
	return &req, true
}

func (s *Server) handleVerify(c *gin.Context) {
	req, ok := s.bindFacilitatorRequest(c)
	if !ok {
		return
	}
	response, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Warn("verify error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, ok := s.bindFacilitatorRequest(c)
	if !ok {
		return
	}
	response, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Warn("settle error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSupported(c *gin.Context) {
	response, err := s.facilitator.GetSupported(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, response)
}

// ============================================================================
// Engine routes
// ============================================================================

func statusForError(err error) int {
	ee, ok := tipengine.AsEngineError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ee.Kind {
	case tipengine.KindNotFound:
		return http.StatusNotFound
	case tipengine.KindInvalidState:
		return http.StatusConflict
	case tipengine.KindValidation:
		return http.StatusBadRequest
	case tipengine.KindUnauthorized:
		return http.StatusUnauthorized
	case tipengine.KindFacilitator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	ee, ok := tipengine.AsEngineError(err)
	if !ok || ee.Kind == tipengine.KindInternal {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": gin.H{"code": tipengine.CodeStoreFailure, "message": "internal error"}})
		return
	}
	c.JSON(status, gin.H{"error": ee})
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}
	result, err := s.engine.ApplyWebhook(c.Request.Context(), body, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type settleRequestBody struct {
	PaymentPayload *tipengine.PaymentPayload `json:"paymentPayload"`
	PayerAddress   string                    `json:"payerAddress"`
}

// handleSessionSettle takes the payload from the X-PAYMENT header or the JSON body
func (s *Server) handleSessionSettle(c *gin.Context) {
	var body settleRequestBody
	if c.Request.ContentLength > 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}

	payload := body.PaymentPayload
	if header := c.GetHeader(PaymentHeader); header != "" {
		decoded, err := DecodePaymentHeader(header)
		if err != nil {
			s.writeError(c, tipengine.ValidationError(tipengine.CodeInvalidPayload, err.Error()))
			return
		}
		payload = decoded
	}
	if payload == nil {
		s.writeError(c, tipengine.ValidationError(tipengine.CodeInvalidPayload, "payment payload is required"))
		return
	}

	result, err := s.engine.SettleSession(c.Request.Context(), c.Param("id"), *payload, body.PayerAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handlePrepare(c *gin.Context) {
	result, err := s.engine.PrepareSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handlePaymentStatus(c *gin.Context) {
	view, err := s.engine.PaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
