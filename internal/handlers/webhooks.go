package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	bursarapi "talecast/pkg/api/bursar"
	"talecast/pkg/logging"
	"talecast/pkg/middleware"
)

// Stripe webhook payload structure. Flexible enough to carry the event types
// we care about; everything else is acknowledged and ignored.
type StripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// StripeCheckoutSessionObject for checkout.session.completed events. The
// checkout flow attaches the purchased token amount and target owner as
// session metadata.
type StripeCheckoutSessionObject struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	Metadata struct {
		OwnerID    string `json:"owner_id"`
		Tokens     string `json:"tokens"`
		ValidDays  string `json:"valid_days"`
		PackageRef string `json:"package_ref"`
	} `json:"metadata"`
}

// verifyStripeSignature verifies the Stripe webhook signature using HMAC-SHA256
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Parse Stripe signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	// Verify timestamp is within tolerance (5 minutes)
	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	// Create signed payload: timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	// Calculate expected signature using HMAC-SHA256
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	// Compare with provided signatures using constant-time comparison
	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")

	return false
}

// HandleStripeWebhook receives payment confirmations and turns them into
// token pack credits. Stripe redelivers events until acknowledged, so the
// whole path is idempotent: the webhook_events table deduplicates event ids
// and Credit deduplicates on source_ref underneath that.
func HandleStripeWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Failed to read body"})
		return
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		logger.Error("STRIPE_WEBHOOK_SECRET not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "Webhook verification not configured"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if !verifyStripeSignature(body, signature, webhookSecret) {
		logger.Warn("Invalid Stripe webhook signature")
		recordWebhookEvent("stripe", "signature_failed")
		c.JSON(http.StatusUnauthorized, bursarapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid Stripe webhook payload")
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid payload"})
		return
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
	}).Info("Received Stripe webhook")

	// Check idempotency - skip if already processed
	if isWebhookAlreadyProcessed("stripe", payload.ID) {
		logger.WithField("event_id", payload.ID).Debug("Stripe webhook already processed, skipping")
		recordWebhookEvent("stripe", "duplicate")
		c.Status(http.StatusOK)
		return
	}

	switch payload.Type {
	case "checkout.session.completed":
		err = handleCheckoutCompleted(c, payload)
	default:
		logger.WithField("event_type", payload.Type).Debug("Ignoring unhandled Stripe event type")
	}

	if err != nil {
		logger.WithError(err).WithField("event_type", payload.Type).Error("Failed to process Stripe webhook")
		recordWebhookEvent("stripe", "error")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to process webhook"})
		return
	}

	markWebhookProcessed("stripe", payload.ID, payload.Type)
	recordWebhookEvent("stripe", "processed")
	c.Status(http.StatusOK)
}

// handleCheckoutCompleted credits the purchased tokens from a completed
// checkout session. The event id is the credit's source_ref.
func handleCheckoutCompleted(c middleware.Context, payload StripeWebhookPayload) error {
	var session StripeCheckoutSessionObject
	if err := json.Unmarshal(payload.Data.Object, &session); err != nil {
		return err
	}

	if session.Metadata.OwnerID == "" || session.Metadata.Tokens == "" {
		logger.WithField("session_id", session.ID).Warn("Checkout session missing token metadata, skipping")
		return nil
	}

	tokens, err := strconv.ParseInt(session.Metadata.Tokens, 10, 64)
	if err != nil || tokens <= 0 {
		logger.WithFields(logging.Fields{
			"session_id": session.ID,
			"tokens":     session.Metadata.Tokens,
		}).Warn("Checkout session carries invalid token amount, skipping")
		return nil
	}

	var expiresAt *time.Time
	if session.Metadata.ValidDays != "" {
		days, err := strconv.Atoi(session.Metadata.ValidDays)
		if err == nil && days > 0 {
			t := time.Now().AddDate(0, 0, days)
			expiresAt = &t
		}
	}

	pack, err := engine.Credit(c.Request.Context(), session.Metadata.OwnerID, payload.ID, tokens, expiresAt)
	if err != nil {
		return err
	}

	logger.WithFields(logging.Fields{
		"event_id": payload.ID,
		"owner_id": session.Metadata.OwnerID,
		"pack_id":  pack.ID,
		"tokens":   tokens,
	}).Info("Credited tokens from checkout session")
	return nil
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM bursar.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID, eventType string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO bursar.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}

func recordWebhookEvent(provider, outcome string) {
	if metrics == nil || metrics.WebhookEvents == nil {
		return
	}
	metrics.WebhookEvents.WithLabelValues(provider, outcome).Inc()
}
