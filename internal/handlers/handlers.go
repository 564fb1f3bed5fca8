package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"talecast/internal/ledger"
	bursarapi "talecast/pkg/api/bursar"
	"talecast/pkg/ctxkeys"
	"talecast/pkg/logging"
	"talecast/pkg/middleware"
)

var (
	db      *sql.DB
	logger  logging.Logger
	engine  *ledger.Engine
	metrics *BursarMetrics
)

// BursarMetrics holds the service's custom Prometheus collectors.
type BursarMetrics struct {
	WebhookEvents     *prometheus.CounterVec // labels: provider, outcome
	UsageReports      *prometheus.CounterVec // labels: outcome
	SweepRuns         prometheus.Counter
	ReconcileRuns     prometheus.Counter
	ReconcileCorrects prometheus.Counter
}

// Init initializes the handlers with database, logger, engine and metrics
func Init(database *sql.DB, log logging.Logger, eng *ledger.Engine, m *BursarMetrics) {
	db = database
	logger = log
	engine = eng
	metrics = m
}

// Token Ledger API Endpoints

// GetBalance returns the authenticated owner's cached token balance
func GetBalance(c middleware.Context) {
	ownerID := c.GetString(string(ctxkeys.KeyOwnerID))
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "No owner account in session"})
		return
	}

	balance, err := engine.GetBalance(c.Request.Context(), ownerID)
	if err != nil {
		middleware.GetContextLogger(c, logger).WithError(err).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.BalanceResponse{OwnerID: ownerID, Balance: balance})
}

// GetActivePacks returns the owner's live packs, soonest-expiring first, for
// expiry warnings in the UI
func GetActivePacks(c middleware.Context) {
	ownerID := c.GetString(string(ctxkeys.KeyOwnerID))
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "No owner account in session"})
		return
	}

	packs, err := engine.ActivePacks(c.Request.Context(), ownerID)
	if err != nil {
		middleware.GetContextLogger(c, logger).WithError(err).Error("Failed to list packs")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to list packs"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.GetPacksResponse{OwnerID: ownerID, Packs: packs, Count: len(packs)})
}

// GetLedger returns a page of the owner's ledger entries for audit/export
func GetLedger(c middleware.Context) {
	ownerID := c.GetString(string(ctxkeys.KeyOwnerID))
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "No owner account in session"})
		return
	}

	cursor, _ := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, hasMore, err := engine.Ledger(c.Request.Context(), ownerID, cursor, limit)
	if err != nil {
		middleware.GetContextLogger(c, logger).WithError(err).Error("Failed to read ledger")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to read ledger"})
		return
	}

	resp := bursarapi.GetLedgerResponse{OwnerID: ownerID, Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		resp.NextCursor = entries[len(entries)-1].Seq
	} else {
		resp.NextCursor = cursor
	}
	c.JSON(http.StatusOK, resp)
}

// Service-to-service endpoints

// ConsumeTokens deducts tokens for one billable action. The chat pipeline
// calls this synchronously when Kafka delivery is not in play.
func ConsumeTokens(c middleware.Context) {
	var req bursarapi.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	receipt, err := engine.Consume(c.Request.Context(), req.OwnerID, req.Tokens, req.RequestID)
	if err != nil {
		respondConsumeError(c, err)
		return
	}

	c.JSON(http.StatusOK, bursarapi.ConsumeResponse{Receipt: receipt})
}

// CreditTokens grants a pack outside the webhook path, e.g. from internal
// provisioning tools
func CreditTokens(c middleware.Context) {
	var req bursarapi.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	pack, err := engine.Credit(c.Request.Context(), req.OwnerID, req.SourceRef, req.Tokens, req.ExpiresAt)
	if err != nil {
		respondMutationError(c, err, "Failed to credit tokens")
		return
	}

	c.JSON(http.StatusOK, bursarapi.CreditResponse{PackID: pack.ID})
}

// AdjustTokens applies a manual admin correction
func AdjustTokens(c middleware.Context) {
	var req bursarapi.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	packID, err := engine.Adjust(c.Request.Context(), req.OwnerID, req.Delta, req.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			c.JSON(http.StatusConflict, bursarapi.ErrorResponse{Error: "Adjustment exceeds available balance"})
			return
		}
		respondMutationError(c, err, "Failed to adjust balance")
		return
	}

	c.JSON(http.StatusOK, bursarapi.AdjustResponse{OwnerID: req.OwnerID, Delta: req.Delta, PackID: packID})
}

// GetOwnerBalance reads any owner's balance, for internal services
func GetOwnerBalance(c middleware.Context) {
	ownerID := c.Param("owner_id")
	balance, err := engine.GetBalance(c.Request.Context(), ownerID)
	if err != nil {
		if errors.Is(err, ledger.ErrOwnerRequired) {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Owner id is required"})
			return
		}
		middleware.GetContextLogger(c, logger).WithError(err).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.BalanceResponse{OwnerID: ownerID, Balance: balance})
}

// ReconcileOwner runs an on-demand reconciliation pass for one owner
func ReconcileOwner(c middleware.Context) {
	ownerID := c.Param("owner_id")
	result, err := engine.Reconcile(c.Request.Context(), ownerID)
	if err != nil {
		if errors.Is(err, ledger.ErrOwnerRequired) {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Owner id is required"})
			return
		}
		if errors.Is(err, ledger.ErrBusy) {
			c.JSON(http.StatusTooManyRequests, bursarapi.ErrorResponse{Error: "Owner ledger busy, retry shortly"})
			return
		}
		middleware.GetContextLogger(c, logger).WithError(err).Error("Failed to reconcile owner")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to reconcile owner"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.ReconcileResponse{Result: *result})
}

func respondConsumeError(c middleware.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, bursarapi.ErrorResponse{Error: "Insufficient token balance"})
	case errors.Is(err, ledger.ErrBusy):
		c.JSON(http.StatusTooManyRequests, bursarapi.ErrorResponse{Error: "Owner ledger busy, retry shortly"})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrOwnerRequired), errors.Is(err, ledger.ErrKeyRequired):
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: err.Error()})
	default:
		middleware.GetContextLogger(c, logger).WithError(err).Error("Failed to consume tokens")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to consume tokens"})
	}
}

func respondMutationError(c middleware.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ledger.ErrBusy):
		c.JSON(http.StatusTooManyRequests, bursarapi.ErrorResponse{Error: "Owner ledger busy, retry shortly"})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidExpiry),
		errors.Is(err, ledger.ErrOwnerRequired), errors.Is(err, ledger.ErrKeyRequired):
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: err.Error()})
	default:
		middleware.GetContextLogger(c, logger).WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: fallback})
	}
}
