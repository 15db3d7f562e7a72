package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/gateway"
	"github.com/nkmelnikov/shop_backend/internal/logging"
	"github.com/nkmelnikov/shop_backend/internal/models"
)

const (
	eventPaymentCaptured = "payment.captured"
	eventPaymentFailed   = "payment.failed"
)

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Method           string `json:"method"`
				Bank             string `json:"bank"`
				Wallet           string `json:"wallet"`
				ErrorCode        string `json:"error_code"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Webhook is the gateway's server-push path. There is no user session here:
// authenticity rests on the body HMAC alone. Recognized-but-unprocessable
// deliveries (unknown order, duplicate, unhandled event) are acknowledged
// with 200 so the gateway does not retry them forever; only signature and
// parse failures are rejected.
func (h *Handler) Webhook(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.webhook")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read body")
	}

	sig := c.Request().Header.Get("X-Signature")
	if !gateway.VerifyWebhookSignature(h.WebhookSecret, body, sig) {
		l.Warn("webhook signature mismatch", "remote_ip", c.RealIP())
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		l.Warn("malformed webhook payload", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	switch env.Event {
	case eventPaymentCaptured:
		h.webhookCaptured(c, &env)
	case eventPaymentFailed:
		h.webhookFailed(c, &env)
	default:
		l.Info("unhandled webhook event", "event", env.Event)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// lookupByGatewayOrderID resolves the order a gateway event refers to.
// Webhooks only carry gateway-side identifiers, and COD orders store the
// zero value there, so an empty id must be treated as unknown rather than
// matched against them.
func (h *Handler) lookupByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, bool) {
	l := logging.FromContext(ctx).With("handler", "payment.webhook")
	if gatewayOrderID == "" {
		l.Warn("webhook without gateway order id")
		return nil, false
	}
	var order models.Order
	err := h.DB.WithContext(ctx).Where("gateway_order_id = ?", gatewayOrderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Warn("webhook for unknown order", "gateway_order_id", gatewayOrderID)
		} else {
			l.Error("webhook order lookup failed", "gateway_order_id", gatewayOrderID, "error", err)
		}
		return nil, false
	}
	return &order, true
}

func (h *Handler) webhookCaptured(c echo.Context, env *webhookEnvelope) {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.webhook", "event", env.Event)
	entity := env.Payload.Payment.Entity

	order, ok := h.lookupByGatewayOrderID(ctx, entity.OrderID)
	if !ok {
		return
	}

	// Duplicate delivery, or the verifier finished first.
	if order.PaymentStatus == models.PaymentStatusPaid {
		return
	}

	claimed, err := h.claimPaid(ctx, order.ID, models.Order{
		PaymentStatus:    models.PaymentStatusPaid,
		Status:           models.OrderStatusProcessing,
		GatewayPaymentID: entity.ID,
		PaymentMeta: models.PaymentMetadata{
			Capture: &models.CaptureMeta{
				GatewayPaymentID: entity.ID,
				Method:           entity.Method,
				Bank:             entity.Bank,
				Wallet:           entity.Wallet,
				CapturedAt:       time.Now().UTC(),
			},
		},
	})
	if err != nil {
		l.Error("paid transition failed", "order_id", order.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	h.adjustStockForOrder(c, order.ID)
	h.publish(c, map[string]interface{}{
		"type":               "webhook_captured",
		"orderID":            order.ID,
		"gateway_payment_id": entity.ID,
	})
	l.Info("payment captured via webhook", "order_id", order.ID, "gateway_payment_id", entity.ID)
}

func (h *Handler) webhookFailed(c echo.Context, env *webhookEnvelope) {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.webhook", "event", env.Event)
	entity := env.Payload.Payment.Entity

	order, ok := h.lookupByGatewayOrderID(ctx, entity.OrderID)
	if !ok {
		return
	}

	// A late or out-of-order failure must never downgrade a confirmed
	// payment. No metadata is written either.
	if order.PaymentStatus == models.PaymentStatusPaid {
		l.Info("ignoring failure event for paid order", "order_id", order.ID)
		return
	}

	if err := h.markPaymentFailed(ctx, order.ID, models.FailureMeta{
		GatewayPaymentID: entity.ID,
		Code:             entity.ErrorCode,
		Description:      entity.ErrorDescription,
		FailedAt:         time.Now().UTC(),
	}); err != nil {
		l.Error("could not record failed payment", "order_id", order.ID, "error", err)
		return
	}

	h.publish(c, map[string]interface{}{
		"type":    "webhook_failed",
		"orderID": order.ID,
		"code":    entity.ErrorCode,
	})
	l.Info("payment failed via webhook", "order_id", order.ID, "code", entity.ErrorCode)
}
