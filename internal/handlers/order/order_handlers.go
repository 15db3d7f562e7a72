package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/authn"
	"github.com/nkmelnikov/shop_backend/internal/inventory"
	"github.com/nkmelnikov/shop_backend/internal/logging"
	"github.com/nkmelnikov/shop_backend/internal/models"
	"github.com/nkmelnikov/shop_backend/internal/mykafka"
	"github.com/nkmelnikov/shop_backend/internal/util"
)

type Handler struct {
	DB           *gorm.DB
	Inventory    *inventory.Adjuster
	Producer     *mykafka.Producer
	JWTSecret    []byte
	CODMaxAmount float64
}

type orderItemRequest struct {
	ProductID uint `json:"product_id"`
	Quantity  uint `json:"quantity"`
}

type createCODRequest struct {
	Items           []orderItemRequest     `json:"items"`
	TotalAmount     float64                `json:"total_amount"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	Notes           string                 `json:"notes"`
}

// CreateCODOrder places a cash-on-delivery order. There is no payment
// confirmation step, so stock is committed at placement, not at delivery.
func (h *Handler) CreateCODOrder(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.create_cod")

	userID, err := authn.UserID(c, h.JWTSecret)
	if err != nil {
		return err
	}

	var req createCODRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items required")
	}
	for _, it := range req.Items {
		if it.ProductID == 0 || it.Quantity == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "each item needs product_id and quantity")
		}
	}
	if req.TotalAmount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "total_amount must be > 0")
	}
	if req.ShippingAddress.Name == "" || req.ShippingAddress.Phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "shipping address needs name and phone")
	}
	if req.TotalAmount > h.CODMaxAmount {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("cash on delivery is limited to %.0f", h.CODMaxAmount))
	}

	order := models.Order{
		UserID:        userID,
		TotalAmount:   req.TotalAmount,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		PaymentMethod: models.PaymentMethodCOD,
		Shipping:      req.ShippingAddress,
		Notes:         req.Notes,
	}

	txErr := h.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := make([]models.OrderItem, 0, len(req.Items))
		for _, it := range req.Items {
			var p models.Product
			if err := tx.First(&p, it.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return echo.NewHTTPError(http.StatusBadRequest, "product not found")
				}
				return err
			}
			items = append(items, models.OrderItem{
				ProductID:    p.ID,
				Quantity:     it.Quantity,
				UnitPrice:    p.Price,
				ProductName:  p.Name,
				ProductImage: p.Image,
			})
		}
		order.Items = items
		return tx.Create(&order).Error
	})
	if txErr != nil {
		if he, ok := txErr.(*echo.HTTPError); ok {
			return he
		}
		l.Error("cod order persistence failed", "user_id", userID, "error", txErr)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create order")
	}

	lines := make([]inventory.Line, 0, len(order.Items))
	for _, it := range order.Items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	if res := h.Inventory.Decrement(ctx, lines); !res.Success {
		l.Error("inventory adjustment incomplete", "order_id", order.ID, "errors", res.Errors)
	}

	h.publish(c, map[string]interface{}{
		"type":           "order_created",
		"orderID":        order.ID,
		"userID":         userID,
		"payment_method": models.PaymentMethodCOD,
	})

	l.Info("cod order created", "order_id", order.ID)
	return c.JSON(http.StatusOK, echo.Map{
		"order_id":       order.ID,
		"total_amount":   order.TotalAmount,
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
		"items":          order.Items,
	})
}

func (h *Handler) GetOrders(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := authn.UserID(c, h.JWTSecret)
	if err != nil {
		return err
	}

	page := parseIntDefault(c.QueryParam("page"), 1)
	size := parseIntDefault(c.QueryParam("size"), util.DefaultPageSize)
	offset, limit := util.Calculate(page, size)

	q := h.DB.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not count orders")
	}

	var orders []models.Order
	if err := h.DB.WithContext(ctx).Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&orders).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list orders")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": orders,
		"meta": map[string]interface{}{
			"page":  page,
			"size":  limit,
			"total": total,
		},
	})
}

func (h *Handler) GetOrder(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := authn.UserID(c, h.JWTSecret)
	if err != nil {
		return err
	}

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var order models.Order
	if err := h.DB.WithContext(ctx).Preload("Items").First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load order")
	}
	if order.UserID != userID {
		return echo.NewHTTPError(http.StatusForbidden, "order belongs to another user")
	}

	return c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// fulfilmentTransitions is the fulfilment state machine: orders move
// pending -> processing -> shipped -> delivered, cancellation is allowed
// until shipping, and cancelled and delivered are terminal. A cancelled
// order must stay cancelled: reviving it would let a second cancellation
// restore its stock again.
var fulfilmentTransitions = map[string]map[string]bool{
	models.OrderStatusPending:    {models.OrderStatusProcessing: true, models.OrderStatusCancelled: true},
	models.OrderStatusProcessing: {models.OrderStatusShipped: true, models.OrderStatusCancelled: true},
	models.OrderStatusShipped:    {models.OrderStatusDelivered: true},
	models.OrderStatusDelivered:  {},
	models.OrderStatusCancelled:  {},
}

// UpdateStatus is the admin fulfilment transition. Cancellation restores
// inventory before the status is persisted; payment_status is deliberately
// not writable here.
func (h *Handler) UpdateStatus(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "order.update_status")

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if _, known := fulfilmentTransitions[req.Status]; !known {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	var order models.Order
	if err := h.DB.WithContext(ctx).Preload("Items").First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load order")
	}

	if !fulfilmentTransitions[order.Status][req.Status] {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("cannot move a %s order to %s", order.Status, req.Status))
	}

	if req.Status == models.OrderStatusCancelled {
		// Stock was only committed for paid gateway orders and COD orders;
		// restoring anything else would inflate inventory.
		if order.PaymentStatus == models.PaymentStatusPaid || order.PaymentMethod == models.PaymentMethodCOD {
			lines := make([]inventory.Line, 0, len(order.Items))
			for _, it := range order.Items {
				lines = append(lines, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
			}
			if res := h.Inventory.Restore(ctx, lines); !res.Success {
				l.Error("inventory restore incomplete", "order_id", order.ID, "errors", res.Errors)
			}
		}
	}

	if err := h.DB.WithContext(ctx).Model(&order).Update("status", req.Status).Error; err != nil {
		l.Error("status update failed", "order_id", order.ID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not update order")
	}

	eventType := "order_status_changed"
	if req.Status == models.OrderStatusCancelled {
		eventType = "order_cancelled"
	}
	h.publish(c, map[string]interface{}{
		"type":    eventType,
		"orderID": order.ID,
		"status":  req.Status,
	})

	l.Info("order status updated", "order_id", order.ID, "status", req.Status)
	return c.JSON(http.StatusOK, echo.Map{"order_id": order.ID, "status": req.Status})
}

func (h *Handler) publish(c echo.Context, event map[string]interface{}) {
	if h.Producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Producer.PublishEvent(ctx, "order_events", fmt.Sprint(event["orderID"]), event); err != nil {
		c.Logger().Errorf("Kafka publish error: %v", err)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}
