package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/authn"
	"github.com/nkmelnikov/shop_backend/internal/gateway"
	"github.com/nkmelnikov/shop_backend/internal/inventory"
	"github.com/nkmelnikov/shop_backend/internal/logging"
	"github.com/nkmelnikov/shop_backend/internal/models"
	"github.com/nkmelnikov/shop_backend/internal/mykafka"
)

type Handler struct {
	DB            *gorm.DB
	Gateway       gateway.IntentCreator
	Inventory     *inventory.Adjuster
	Producer      *mykafka.Producer
	JWTSecret     []byte
	GatewayKeyID  string
	PaymentSecret []byte
	WebhookSecret []byte
	Currency      string
}

type orderItemRequest struct {
	ProductID uint `json:"product_id"`
	Quantity  uint `json:"quantity"`
}

type createOrderRequest struct {
	Items           []orderItemRequest     `json:"items"`
	TotalAmount     float64                `json:"total_amount"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	Notes           string                 `json:"notes"`
}

func validateOrderRequest(req *createOrderRequest) error {
	if len(req.Items) == 0 {
		return errors.New("items required")
	}
	for _, it := range req.Items {
		if it.ProductID == 0 || it.Quantity == 0 {
			return errors.New("each item needs product_id and quantity")
		}
	}
	if req.TotalAmount <= 0 {
		return errors.New("total_amount must be > 0")
	}
	if req.ShippingAddress.Name == "" || req.ShippingAddress.Phone == "" {
		return errors.New("shipping address needs name and phone")
	}
	return nil
}

// CreateGatewayOrder creates the gateway-side payment intent first, then the
// local order in pending/pending. If the gateway call fails nothing is
// persisted; if persistence fails afterwards the intent is orphaned, which is
// logged for out-of-band reconciliation (intents do not auto-charge).
func (h *Handler) CreateGatewayOrder(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.create_order")

	userID, err := authn.UserID(c, h.JWTSecret)
	if err != nil {
		return err
	}

	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := validateOrderRequest(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	amountMinor := int64(math.Round(req.TotalAmount * 100))
	receipt := uuid.NewString()

	intent, err := h.Gateway.CreateIntent(ctx, amountMinor, h.Currency, receipt, map[string]string{
		"user_id": fmt.Sprint(userID),
	})
	if err != nil {
		l.Error("gateway intent creation failed", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "payment gateway unavailable")
	}

	order := models.Order{
		UserID:         userID,
		TotalAmount:    req.TotalAmount,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  models.PaymentMethodGateway,
		GatewayOrderID: intent.ID,
		Shipping:       req.ShippingAddress,
		Notes:          req.Notes,
	}

	txErr := h.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := buildOrderItems(tx, req.Items)
		if err != nil {
			return err
		}
		order.Items = items
		return tx.Create(&order).Error
	})
	if txErr != nil {
		if he, ok := txErr.(*echo.HTTPError); ok {
			return he
		}
		l.Error("order persistence failed, gateway intent orphaned",
			"user_id", userID, "gateway_order_id", intent.ID, "error", txErr)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create order")
	}

	h.publish(c, map[string]interface{}{
		"type":             "order_created",
		"orderID":          order.ID,
		"userID":           userID,
		"payment_method":   models.PaymentMethodGateway,
		"gateway_order_id": intent.ID,
	})

	l.Info("gateway order created", "order_id", order.ID, "gateway_order_id", intent.ID)
	return c.JSON(http.StatusOK, echo.Map{
		"order_id":         order.ID,
		"gateway_order_id": intent.ID,
		"gateway_key":      h.GatewayKeyID,
		"amount":           intent.Amount,
		"currency":         intent.Currency,
		"prefill": echo.Map{
			"name":    req.ShippingAddress.Name,
			"contact": req.ShippingAddress.Phone,
		},
	})
}

type verifyRequest struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	GatewaySignature string `json:"gateway_signature"`
	OrderID          uint   `json:"order_id"`
}

// VerifyPayment is the client-path confirmation: it recomputes the payment
// signature and, on a match, claims the paid transition. The inventory
// decrement runs only for the writer whose conditional update actually
// flipped the row, so a racing webhook cannot double-decrement.
func (h *Handler) VerifyPayment(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.verify")

	userID, err := authn.UserID(c, h.JWTSecret)
	if err != nil {
		return err
	}

	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.OrderID == 0 || req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.GatewaySignature == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing verification fields")
	}

	var order models.Order
	if err := h.DB.WithContext(ctx).First(&order, req.OrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load order")
	}

	if order.UserID != userID {
		l.Warn("verify for foreign order", "order_id", order.ID, "owner", order.UserID, "caller", userID)
		return echo.NewHTTPError(http.StatusForbidden, "order belongs to another user")
	}

	if order.GatewayOrderID != req.GatewayOrderID {
		l.Warn("gateway order id mismatch",
			"order_id", order.ID, "stored", order.GatewayOrderID, "submitted", req.GatewayOrderID)
		return echo.NewHTTPError(http.StatusBadRequest, "order mismatch")
	}

	// Legitimate client retry after reconnect, or the webhook got here first.
	if order.PaymentStatus == models.PaymentStatusPaid {
		return c.JSON(http.StatusOK, echo.Map{
			"success":  true,
			"message":  "payment already verified",
			"order_id": order.ID,
		})
	}

	if !gateway.VerifyPaymentSignature(h.PaymentSecret, req.GatewayOrderID, req.GatewayPaymentID, req.GatewaySignature) {
		l.Warn("payment signature mismatch",
			"order_id", order.ID, "gateway_order_id", req.GatewayOrderID, "gateway_payment_id", req.GatewayPaymentID)
		if err := h.markPaymentFailed(ctx, order.ID, models.FailureMeta{
			GatewayPaymentID: req.GatewayPaymentID,
			Code:             "signature_mismatch",
			Description:      "client-submitted signature did not verify",
			FailedAt:         time.Now().UTC(),
		}); err != nil {
			l.Error("could not record failed payment", "order_id", order.ID, "error", err)
		}
		h.publish(c, map[string]interface{}{
			"type":    "payment_failed",
			"orderID": order.ID,
			"reason":  "verification",
		})
		// Generic message only; the mismatch details stay server-side.
		return echo.NewHTTPError(http.StatusBadRequest, "payment verification failed")
	}

	claimed, err := h.claimPaid(ctx, order.ID, models.Order{
		PaymentStatus:    models.PaymentStatusPaid,
		Status:           models.OrderStatusProcessing,
		GatewayPaymentID: req.GatewayPaymentID,
		GatewaySignature: req.GatewaySignature,
		PaymentMeta: models.PaymentMetadata{
			Verification: &models.VerificationMeta{
				GatewayPaymentID: req.GatewayPaymentID,
				VerifiedAt:       time.Now().UTC(),
			},
		},
	})
	if err != nil {
		l.Error("paid transition failed", "order_id", order.ID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not update order")
	}

	if claimed {
		h.adjustStockForOrder(c, order.ID)
		h.publish(c, map[string]interface{}{
			"type":               "payment_verified",
			"orderID":            order.ID,
			"gateway_payment_id": req.GatewayPaymentID,
		})
		l.Info("payment verified", "order_id", order.ID, "gateway_payment_id", req.GatewayPaymentID)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"message":  "payment verified",
		"order_id": order.ID,
	})
}

// claimPaid performs the conditional paid transition. Exactly one writer
// (verifier or webhook) gets claimed=true for a given order, and a paid order
// is never overwritten.
func (h *Handler) claimPaid(ctx context.Context, orderID uint, update models.Order) (bool, error) {
	tx := h.DB.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status <> ?", orderID, models.PaymentStatusPaid).
		Updates(update)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (h *Handler) markPaymentFailed(ctx context.Context, orderID uint, meta models.FailureMeta) error {
	return h.DB.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status <> ?", orderID, models.PaymentStatusPaid).
		Updates(models.Order{
			PaymentStatus: models.PaymentStatusFailed,
			PaymentMeta:   models.PaymentMetadata{Failure: &meta},
		}).Error
}

// adjustStockForOrder decrements stock for every item of the order. Failures
// are logged and left for out-of-band reconciliation, never escalated to the
// payment result.
func (h *Handler) adjustStockForOrder(c echo.Context, orderID uint) {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx)

	var items []models.OrderItem
	if err := h.DB.WithContext(ctx).Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		l.Error("could not load items for stock adjustment", "order_id", orderID, "error", err)
		return
	}

	lines := make([]inventory.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	res := h.Inventory.Decrement(ctx, lines)
	if !res.Success {
		l.Error("inventory adjustment incomplete", "order_id", orderID, "errors", res.Errors)
	}
}

// buildOrderItems resolves each requested product and snapshots its name,
// image and price into the order item.
func buildOrderItems(tx *gorm.DB, reqs []orderItemRequest) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(reqs))
	for _, it := range reqs {
		var p models.Product
		if err := tx.First(&p, it.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, echo.NewHTTPError(http.StatusBadRequest, "product not found")
			}
			return nil, err
		}
		items = append(items, models.OrderItem{
			ProductID:    p.ID,
			Quantity:     it.Quantity,
			UnitPrice:    p.Price,
			ProductName:  p.Name,
			ProductImage: p.Image,
		})
	}
	return items, nil
}

func (h *Handler) publish(c echo.Context, event map[string]interface{}) {
	if h.Producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Producer.PublishEvent(ctx, "payment_events", fmt.Sprint(event["orderID"]), event); err != nil {
		c.Logger().Errorf("Kafka publish error: %v", err)
	}
}
