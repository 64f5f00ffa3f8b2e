// Package httpapi exposes the ledger core over HTTP: the spend and
// charge endpoints, the payment-provider webhook, history and balance
// reads, and the leaderboard feed.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/meiyolab/honorledger/internal/checkout"
	"github.com/meiyolab/honorledger/internal/rankfeed"
	"github.com/meiyolab/honorledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wires the HTTP surface over the ledger service, the checkout
// provider, and the ranking feed.
type Server struct {
	logger      *zap.Logger
	cfg         Config
	ledger      *ledger.Service
	checkout    checkout.Client
	verifier    *checkout.SignatureVerifier
	feed        *rankfeed.Feed
	hub         *rankfeed.Hub
	jwtVerifier *JWTVerifier
	router      *gin.Engine
}

// New validates the config and builds the router.
func New(cfg Config, logger *zap.Logger, ledgerService *ledger.Service, checkoutClient checkout.Client, verifier *checkout.SignatureVerifier, feed *rankfeed.Feed) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		logger:      logger,
		cfg:         cfg,
		ledger:      ledgerService,
		checkout:    checkoutClient,
		verifier:    verifier,
		feed:        feed,
		hub:         rankfeed.NewHub(feed, logger),
		jwtVerifier: NewJWTVerifier(cfg.JWTSigningKey, cfg.JWTIssuer),
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownTimeout)
		defer cancel()
		server.hub.Close(shutdownCtx)
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.requestMetrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payment-provider", server.handleWebhook)
	router.GET("/history", server.handleHistory)
	router.GET("/balance", server.handleBalance)
	router.GET("/ranking", server.handleRanking)
	router.GET("/ranking/stream", gin.WrapH(server.hub))

	authenticated := router.Group("/")
	authenticated.Use(server.jwtVerifier.GinMiddleware())
	authenticated.POST("/pay", server.handlePay)
	authenticated.POST("/charge", server.handleCharge)

	return router
}

func (server *Server) requestMetrics() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(ctx.Request.Method, endpoint))
		ctx.Next()
		timer.ObserveDuration()
		observeRequest(ctx.Request.Method, endpoint, ctx.Writer.Status())
	}
}

func (server *Server) handlePay(ctx *gin.Context) {
	var request payRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		debitsTotal.WithLabelValues("invalid").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "userId and amount are required"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		debitsTotal.WithLabelValues("invalid").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "userId and amount are required"))
		return
	}
	amount, err := ledger.NewAmount(request.Amount)
	if err != nil {
		debitsTotal.WithLabelValues("invalid").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "amount must be a positive integer"))
		return
	}
	principal, err := ledger.NewUserID(principalFrom(ctx))
	if err != nil {
		debitsTotal.WithLabelValues("unauthorized").Inc()
		ctx.JSON(http.StatusUnauthorized, errorResponse("Unauthorized", "missing principal"))
		return
	}

	view, err := server.ledger.Debit(ctx.Request.Context(), principal, userID, amount)
	switch {
	case err == nil:
		debitsTotal.WithLabelValues("ok").Inc()
		ctx.JSON(http.StatusOK, payResponse{
			Success:      true,
			NewBalance:   view.NewBalance,
			NewTotalPaid: view.NewTotalPaid,
		})
	case errors.Is(err, ledger.ErrUnauthorized):
		debitsTotal.WithLabelValues("unauthorized").Inc()
		ctx.JSON(http.StatusUnauthorized, errorResponse("Unauthorized", "principal does not match userId"))
	case errors.Is(err, ledger.ErrInvalidAmount):
		debitsTotal.WithLabelValues("invalid").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", err.Error()))
	case errors.Is(err, ledger.ErrInsufficientBalance):
		debitsTotal.WithLabelValues("insufficient_balance").Inc()
		ctx.JSON(http.StatusInternalServerError, errorResponse("InsufficientBalance", "balance is too low for this payment"))
	case errors.Is(err, ledger.ErrAccountNotFound):
		debitsTotal.WithLabelValues("account_not_found").Inc()
		ctx.JSON(http.StatusInternalServerError, errorResponse("AccountNotFound", "no account for this user"))
	default:
		debitsTotal.WithLabelValues("error").Inc()
		server.logger.Error("debit failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("InternalError", "payment failed"))
	}
}

func (server *Server) handleCharge(ctx *gin.Context) {
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.UserID == "" || request.Amount == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "userId and amount are required"))
		return
	}
	if principalFrom(ctx) != request.UserID {
		ctx.JSON(http.StatusUnauthorized, errorResponse("Unauthorized", "principal does not match userId"))
		return
	}
	if request.Amount < server.cfg.MinChargeAmount {
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", fmt.Sprintf("amount must be at least %d", server.cfg.MinChargeAmount)))
		return
	}
	session, err := server.checkout.CreateSession(ctx.Request.Context(), request.UserID, request.Amount)
	if err != nil {
		server.logger.Error("checkout session creation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ProviderError", "could not create checkout session"))
		return
	}
	ctx.JSON(http.StatusOK, chargeResponse{CheckoutRef: session.ID, CheckoutURL: session.URL})
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		webhooksTotal.WithLabelValues("read_error").Inc()
		ctx.JSON(http.StatusInternalServerError, errorResponse("InternalError", "could not read body"))
		return
	}
	if err := server.verifier.Verify(body, ctx.GetHeader(signatureHeader)); err != nil {
		webhooksTotal.WithLabelValues("invalid_signature").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("InvalidSignature", "signature verification failed"))
		return
	}
	notification, err := checkout.DecodeNotification(body)
	if err != nil {
		webhooksTotal.WithLabelValues("malformed").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "malformed notification"))
		return
	}
	if notification.Unknown != nil {
		// Forward compatibility: unfamiliar event kinds are acked so
		// the provider stops redelivering them.
		webhooksTotal.WithLabelValues("ignored").Inc()
		server.logger.Info("ignoring provider event", zap.String("type", notification.Unknown.Type))
		ctx.JSON(http.StatusOK, webhookResponse{Received: true})
		return
	}
	completed := notification.Completed
	userID, err := ledger.NewUserID(completed.UserID)
	if err != nil {
		webhooksTotal.WithLabelValues("malformed").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "malformed notification"))
		return
	}
	amount, err := ledger.NewAmount(completed.Amount)
	if err != nil {
		webhooksTotal.WithLabelValues("malformed").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "malformed notification"))
		return
	}
	ref, err := ledger.NewExternalRef(completed.SessionID)
	if err != nil {
		webhooksTotal.WithLabelValues("malformed").Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "malformed notification"))
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(completed.RawObject))
	if err != nil {
		metadata, _ = ledger.NewMetadataJSON("")
	}

	result, err := server.ledger.ConfirmTopUp(ctx.Request.Context(), userID, amount, ref, metadata)
	if err != nil {
		// Withhold the ack so the provider retries; idempotency makes
		// the redelivery safe.
		webhooksTotal.WithLabelValues("error").Inc()
		server.logger.Error("charge confirmation failed", zap.Error(err), zap.String("external_ref", ref.String()))
		ctx.JSON(http.StatusInternalServerError, errorResponse("InternalError", "confirmation not applied"))
		return
	}
	if result.Applied {
		creditsTotal.WithLabelValues("applied").Inc()
	} else {
		creditsTotal.WithLabelValues("duplicate").Inc()
	}
	webhooksTotal.WithLabelValues("processed").Inc()
	ctx.JSON(http.StatusOK, webhookResponse{Received: true})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Query("userId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "userId is required"))
		return
	}
	events, err := server.ledger.History(ctx.Request.Context(), userID, ledger.HistoryLimit)
	if err != nil {
		server.logger.Error("history read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("InternalError", "history unavailable"))
		return
	}
	payload := make([]historyEntry, 0, len(events))
	for _, event := range events {
		payload = append(payload, historyEntry{
			ID:        event.EventID,
			Kind:      event.Kind.String(),
			Amount:    event.Amount,
			Timestamp: event.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, payload)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Query("userId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("ValidationError", "userId is required"))
		return
	}
	account, err := server.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("AccountNotFound", "no account for this user"))
			return
		}
		server.logger.Error("balance read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("InternalError", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		UserID:      account.UserID,
		DisplayName: account.DisplayName,
		AvatarRef:   account.AvatarRef,
		Balance:     account.Balance,
		TotalPaid:   account.TotalPaid,
	})
}

func (server *Server) handleRanking(ctx *gin.Context) {
	snapshot, err := server.feed.Snapshot()
	if err != nil {
		server.logger.Error("ranking read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("InternalError", "ranking unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ranking": snapshot})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type payRequest struct {
	UserID string `json:"userId" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

type payResponse struct {
	Success      bool  `json:"success"`
	NewBalance   int64 `json:"newBalance"`
	NewTotalPaid int64 `json:"newTotalPaid"`
}

type chargeRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

type chargeResponse struct {
	CheckoutRef string `json:"checkoutRef"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}

type historyEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

type balanceResponse struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	Balance     int64  `json:"balance"`
	TotalPaid   int64  `json:"totalPaid"`
}
