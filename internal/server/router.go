package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atelier-market/atelier/internal/auth"
	"github.com/atelier-market/atelier/internal/catalog"
	"github.com/atelier-market/atelier/internal/chain"
	"github.com/atelier-market/atelier/internal/fees"
	"github.com/atelier-market/atelier/internal/intents"
	"github.com/atelier-market/atelier/internal/purchases"
	"github.com/atelier-market/atelier/internal/tiers"
	"github.com/atelier-market/atelier/internal/users"
)

const (
	userIDContextKey = "atelier_user_id"
	walletContextKey = "atelier_wallet"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIntentsService   = errors.New("intents service dependency required")
	errMissingPurchasesService = errors.New("purchases service dependency required")
	errMissingTiersService     = errors.New("tiers service dependency required")
	errMissingCatalogService   = errors.New("catalog service dependency required")
)

// SessionAuthenticator validates incoming session credentials.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Sponsoring builds and submits platform-sponsored buyer payments.
type Sponsoring interface {
	BuildTransfer(ctx context.Context, buyerWallet solana.PublicKey, amountUSD decimal.Decimal) (chain.SponsoredTransfer, error)
	SubmitCountersigned(ctx context.Context, transfer chain.SponsoredTransfer, buyerSignatureBase58 string) (solana.Signature, error)
}

// BalanceReader answers wallet token-balance queries.
type BalanceReader interface {
	TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	Sessions       SessionAuthenticator
	Users          *users.Service
	Intents        *intents.Service
	Purchases      *purchases.Service
	Tiers          *tiers.Service
	Catalog        *catalog.Service
	Balances       BalanceReader
	Sponsor        Sponsoring
	Webhooks       *auth.WebhookVerifier
	Realtime       *RealtimeDispatcher
	USDCMint       solana.PublicKey
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewHTTPHandler assembles the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Intents == nil {
		return nil, errMissingIntentsService
	}
	if deps.Purchases == nil {
		return nil, errMissingPurchasesService
	}
	if deps.Tiers == nil {
		return nil, errMissingTiersService
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalogService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", auth.WebhookSignatureHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		intents:   deps.Intents,
		purchases: deps.Purchases,
		tiers:     deps.Tiers,
		catalog:   deps.Catalog,
		balances:  deps.Balances,
		sponsor:   deps.Sponsor,
		webhooks:  deps.Webhooks,
		realtime:  deps.Realtime,
		usdcMint:  deps.USDCMint,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/webhooks/processor", handler.handleProcessorWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/checkout/intents", handler.handleCreateIntent)
	protected.GET("/checkout/intents/:id", handler.handleIntentStatus)
	protected.POST("/checkout/intents/:id/payment-method", handler.handleSelectPaymentMethod)
	protected.POST("/checkout/intents/:id/pay-with-balance", handler.handlePayWithBalance)
	protected.POST("/checkout/intents/:id/submit", handler.handleSubmitSignature)
	protected.POST("/checkout/intents/:id/cancel", handler.handleCancelIntent)
	protected.GET("/checkout/balance", handler.handleWalletBalance)
	protected.GET("/purchases/stream", handler.handleSettlementStream)
	protected.GET("/purchases/:id", handler.handlePurchaseStatus)
	protected.GET("/purchases/:id/ledger", handler.handlePurchaseLedger)
	protected.GET("/tiers/progress", handler.handleTierProgress)
	protected.GET("/tiers/founding", handler.handleFoundingPool)

	return router, nil
}

type httpHandler struct {
	sessions  SessionAuthenticator
	users     *users.Service
	intents   *intents.Service
	purchases *purchases.Service
	tiers     *tiers.Service
	catalog   *catalog.Service
	balances  BalanceReader
	sponsor   Sponsoring
	webhooks  *auth.WebhookVerifier
	realtime  *RealtimeDispatcher
	usdcMint  solana.PublicKey
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID := claims.UserID
	if h.users != nil {
		resolved, err := h.users.ResolveCanonicalUserID(claims)
		if err != nil {
			h.logger.Warn("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID = resolved
	}

	c.Set(userIDContextKey, userID)
	c.Set(walletContextKey, claims.WalletAddress)
	c.Next()
}

type createIntentPayload struct {
	ItemIDs []string `json:"item_ids"`
	Wallet  string   `json:"wallet"`
}

type intentPayload struct {
	IntentID      string `json:"intent_id"`
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method,omitempty"`
	ItemPrice     string `json:"item_price"`
	TotalAmount   string `json:"total_amount"`
	PurchaseID    string `json:"purchase_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	ExpiresAtS    int64  `json:"expires_at_s"`
}

func intentResponse(intent intents.PurchaseIntent) intentPayload {
	return intentPayload{
		IntentID:      intent.IntentID,
		Status:        string(intent.Status),
		PaymentMethod: string(intent.PaymentMethod),
		ItemPrice:     intent.ItemPrice.String(),
		TotalAmount:   intent.TotalAmount.String(),
		PurchaseID:    intent.PurchaseID,
		FailureReason: intent.FailureReason,
		ExpiresAtS:    intent.ExpiresAtSeconds,
	}
}

func (h *httpHandler) handleCreateIntent(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createIntentPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.ItemIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	wallet := strings.TrimSpace(request.Wallet)
	if wallet == "" {
		wallet = c.GetString(walletContextKey)
	}

	cart := intents.CartSnapshot{Items: make([]intents.ItemRef, 0, len(request.ItemIDs))}
	itemPrice := decimal.Zero
	totalAmount := decimal.Zero
	for _, itemID := range request.ItemIDs {
		item, err := h.catalog.Lookup(c.Request.Context(), itemID)
		if errors.Is(err, catalog.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item_not_found"})
			return
		}
		if err != nil {
			h.logger.Error("item lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
			return
		}
		breakdown, err := fees.ComputeBreakdown(item.Price)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_price"})
			return
		}
		cart.Items = append(cart.Items, intents.ItemRef{ItemID: item.ItemID, Price: item.Price})
		itemPrice = itemPrice.Add(item.Price)
		totalAmount = totalAmount.Add(breakdown.BuyerTotal)
	}

	intent, err := h.intents.Create(c.Request.Context(), intents.CreateRequest{
		BuyerID:     userID,
		BuyerWallet: wallet,
		Cart:        cart,
		ItemPrice:   itemPrice,
		TotalAmount: totalAmount,
	})
	if err != nil {
		h.logger.Error("intent creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intent_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, intentResponse(intent))
}

func (h *httpHandler) handleIntentStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	intent, err := h.intents.Lookup(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondIntentError(c, err)
		return
	}
	c.JSON(http.StatusOK, intentResponse(intent))
}

type selectMethodPayload struct {
	PaymentMethod string `json:"payment_method"`
}

func (h *httpHandler) handleSelectPaymentMethod(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request selectMethodPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	method, err := intents.ParsePaymentMethod(request.PaymentMethod)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payment_method"})
		return
	}

	intent, err := h.intents.SelectPaymentMethod(c.Request.Context(), userID, c.Param("id"), method)
	if err != nil {
		h.respondIntentError(c, err)
		return
	}
	c.JSON(http.StatusOK, intentResponse(intent))
}

type payWithBalancePayload struct {
	MessageBase64    string `json:"message_base64"`
	BuyerSignerIndex int    `json:"buyer_signer_index"`
	AmountBaseUnits  uint64 `json:"amount_base_units"`
}

// handlePayWithBalance verifies the buyer's on-chain USDC balance under the
// intent lock, then hands back a sponsored transfer message for signing.
func (h *httpHandler) handlePayWithBalance(c *gin.Context) {
	if h.sponsor == nil || h.balances == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "balance_payments_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)

	var transfer chain.SponsoredTransfer
	_, err := h.intents.BeginSigning(c.Request.Context(), userID, c.Param("id"),
		func(intent intents.PurchaseIntent) error {
			wallet, err := solana.PublicKeyFromBase58(intent.BuyerWallet)
			if err != nil {
				return err
			}
			balance, err := h.walletUSDCBalance(c.Request.Context(), wallet)
			if err != nil {
				return err
			}
			required := chain.USDToBaseUnits(intent.TotalAmount)
			if balance < required {
				return errInsufficientBalance
			}
			transfer, err = h.sponsor.BuildTransfer(c.Request.Context(), wallet, intent.TotalAmount)
			return err
		})
	if err != nil {
		if errors.Is(err, errInsufficientBalance) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance"})
			return
		}
		h.respondIntentError(c, err)
		return
	}

	c.JSON(http.StatusOK, payWithBalancePayload{
		MessageBase64:    transfer.MessageBase64,
		BuyerSignerIndex: transfer.BuyerSignerIndex,
		AmountBaseUnits:  transfer.AmountBaseUnits,
	})
}

var errInsufficientBalance = errors.New("insufficient balance")

type submitSignaturePayload struct {
	MessageBase64    string `json:"message_base64"`
	BuyerSignerIndex int    `json:"buyer_signer_index"`
	Signature        string `json:"signature"`
}

// handleSubmitSignature submits the countersigned payment and claims the
// intent for settlement.
func (h *httpHandler) handleSubmitSignature(c *gin.Context) {
	if h.sponsor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "balance_payments_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)

	var request submitSignaturePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Signature) == "" ||
		strings.TrimSpace(request.MessageBase64) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	signature, err := h.sponsor.SubmitCountersigned(c.Request.Context(), chain.SponsoredTransfer{
		MessageBase64:    request.MessageBase64,
		BuyerSignerIndex: request.BuyerSignerIndex,
	}, request.Signature)
	if err != nil {
		if errors.Is(err, chain.ErrFeePayerSlotViolation) || errors.Is(err, chain.ErrSponsoredMessageTampered) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature_slot"})
			return
		}
		h.logger.Error("sponsored submission failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "submission_failed"})
		return
	}

	intent, err := h.intents.MarkProcessing(c.Request.Context(), userID, c.Param("id"), signature.String())
	if err != nil {
		h.respondIntentError(c, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := h.purchases.ProcessBalancePurchase(ctx, intent.IntentID, signature.String()); err != nil {
			h.logger.Error("balance purchase processing failed",
				zap.String("intent_id", intent.IntentID),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, intentResponse(intent))
}

func (h *httpHandler) handleCancelIntent(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.intents.Cancel(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondIntentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *httpHandler) handleWalletBalance(c *gin.Context) {
	if h.balances == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "balance_payments_unavailable"})
		return
	}
	walletAddress := c.GetString(walletContextKey)
	if walletAddress == "" && h.users != nil {
		if linked, err := h.users.WalletFor(c.GetString(userIDContextKey)); err == nil {
			walletAddress = linked
		}
	}
	if walletAddress == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_linked_wallet"})
		return
	}
	wallet, err := solana.PublicKeyFromBase58(walletAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet"})
		return
	}
	balance, err := h.walletUSDCBalance(c.Request.Context(), wallet)
	if err != nil {
		h.logger.Error("balance lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "balance_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":            walletAddress,
		"balance_usd":       decimal.New(int64(balance), -6).String(),
		"balance_baseunits": balance,
	})
}

func (h *httpHandler) handlePurchaseStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	purchase, err := h.purchases.Lookup(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, purchases.ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase_not_found"})
			return
		}
		h.logger.Error("purchase lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"purchase_id":     purchase.PurchaseID,
		"status":          string(purchase.Status),
		"item_id":         purchase.ItemID,
		"amount":          purchase.Amount.String(),
		"buyer_total":     purchase.BuyerTotal.String(),
		"mint_address":    purchase.MintAddress,
		"chain_signature": purchase.ChainSignature,
		"failure_reason":  purchase.FailureReason,
	})
}

func (h *httpHandler) handlePurchaseLedger(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	purchase, err := h.purchases.Lookup(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, purchases.ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase_not_found"})
			return
		}
		h.logger.Error("purchase lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	rows, err := h.purchases.LedgerForPurchase(c.Request.Context(), purchase.PurchaseID)
	if err != nil {
		h.logger.Error("ledger lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	entries := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, gin.H{
			"creator_id": row.CreatorID,
			"wallet":     row.Wallet,
			"amount":     row.Amount.String(),
			"percentage": row.Percentage.String(),
			"role":       row.Role,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"purchase_id":    purchase.PurchaseID,
		"platform_share": purchase.PlatformShare.String(),
		"payments":       entries,
	})
}

func (h *httpHandler) handleTierProgress(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	progress, err := h.tiers.TierProgress(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("tier progress failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":           progress.Tier,
		"fee_rate":       progress.FeeRate.String(),
		"lifetime_sales": progress.LifetimeProjectSales.String(),
		"next_level":     progress.NextLevel,
		"next_threshold": progress.NextThreshold.String(),
		"is_founding":    progress.IsFounding,
	})
}

func (h *httpHandler) handleFoundingPool(c *gin.Context) {
	pool, err := h.tiers.FoundingPool(c.Request.Context())
	if err != nil {
		h.logger.Error("founding pool lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"slots_total":     pool.SlotsTotal,
		"slots_claimed":   pool.SlotsClaimed,
		"slots_remaining": pool.SlotsRemaining,
		"threshold":       pool.Threshold.String(),
		"is_open":         pool.IsOpen,
	})
}

type processorWebhookPayload struct {
	Event         string `json:"event"`
	PaymentID     string `json:"payment_id"`
	IntentID      string `json:"intent_id"`
	ItemID        string `json:"item_id"`
	BuyerID       string `json:"buyer_id"`
	BuyerWallet   string `json:"buyer_wallet"`
	PaymentMethod string `json:"payment_method"`
}

// handleProcessorWebhook accepts payment-completed callbacks from the card
// processor. The HMAC check authenticates the caller; the unique payment id
// makes delivery replays return the original purchase.
func (h *httpHandler) handleProcessorWebhook(c *gin.Context) {
	if h.webhooks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhooks_unavailable"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.webhooks.Verify(body, c.GetHeader(auth.WebhookSignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload processorWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if payload.Event != "payment.completed" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if payload.PaymentID == "" || payload.ItemID == "" || payload.BuyerID == "" || payload.BuyerWallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	purchase, err := h.purchases.CreateFromPayment(c.Request.Context(), purchases.CreateRequest{
		BuyerID:       payload.BuyerID,
		BuyerWallet:   payload.BuyerWallet,
		ItemID:        payload.ItemID,
		IntentID:      payload.IntentID,
		PaymentRef:    payload.PaymentID,
		PaymentMethod: payload.PaymentMethod,
	})
	if err != nil {
		h.logger.Error("webhook purchase creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purchase_create_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "purchase_id": purchase.PurchaseID})
}

func (h *httpHandler) walletUSDCBalance(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(wallet, h.usdcMint)
	if err != nil {
		return 0, err
	}
	return h.balances.TokenBalance(ctx, tokenAccount)
}

// handleSettlementStream pushes settlement updates to the buyer over
// server-sent events, with heartbeats to keep intermediaries from closing
// the connection.
func (h *httpHandler) handleSettlementStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cancel()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.Writer.WriteString("event: " + realtimeEventHeartbeat + "\ndata: {}\n\n")
			flusher.Flush()
		case message, ok := <-stream:
			if !ok {
				return
			}
			payload, err := json.Marshal(gin.H{
				"purchase_id": message.PurchaseID,
				"status":      message.Status,
				"timestamp":   message.Timestamp.Unix(),
			})
			if err != nil {
				continue
			}
			c.Writer.WriteString("event: " + message.EventType + "\ndata: " + string(payload) + "\n\n")
			flusher.Flush()
		}
	}
}

func (h *httpHandler) respondIntentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, intents.ErrIntentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "intent_not_found"})
	case errors.Is(err, intents.ErrIntentExpired):
		c.JSON(http.StatusGone, gin.H{"error": "intent_expired"})
	case errors.Is(err, intents.ErrAlreadyProcessing):
		c.JSON(http.StatusConflict, gin.H{"error": "purchase_in_progress"})
	case errors.Is(err, intents.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition"})
	default:
		h.logger.Error("intent operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intent_operation_failed"})
	}
}
