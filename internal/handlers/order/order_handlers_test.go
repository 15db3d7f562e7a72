package order

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/inventory"
	"github.com/nkmelnikov/shop_backend/internal/models"
)

var testJWTSecret = []byte("test_jwt_secret")

type testEnv struct {
	T  *testing.T
	E  *echo.Echo
	DB *gorm.DB
	H  *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Product{},
		&models.User{},
		&models.Order{},
		&models.OrderItem{},
	))

	return &testEnv{
		T:  t,
		E:  echo.New(),
		DB: db,
		H: &Handler{
			DB:           db,
			Inventory:    inventory.New(db, nil),
			JWTSecret:    testJWTSecret,
			CODMaxAmount: 50000,
		},
	}
}

func (env *testEnv) doJSONRequest(method, target string, body interface{}, cookies ...*http.Cookie) (*httptest.ResponseRecorder, echo.Context) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(env.T, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c := env.E.NewContext(req, rec)
	return rec, c
}

func accessCookie(t *testing.T, userID uint, role string) *http.Cookie {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(15 * time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	require.NoError(t, err)
	return &http.Cookie{Name: "accessToken", Value: token, Path: "/"}
}

func (env *testEnv) seedProduct(stock int) *models.Product {
	env.T.Helper()
	p := models.Product{
		Name:          "test_product",
		Description:   "test_description",
		Price:         100,
		StockQuantity: stock,
		InStock:       stock > 0,
	}
	require.NoError(env.T, env.DB.Create(&p).Error)
	return &p
}

func (env *testEnv) seedOrder(userID uint, status, paymentStatus, method string, p *models.Product, qty uint) *models.Order {
	env.T.Helper()
	o := models.Order{
		UserID:        userID,
		TotalAmount:   p.Price * float64(qty),
		Status:        status,
		PaymentStatus: paymentStatus,
		PaymentMethod: method,
		Shipping:      models.ShippingAddress{Name: "Test User", Phone: "9999999999"},
		Items: []models.OrderItem{{
			ProductID:   p.ID,
			Quantity:    qty,
			UnitPrice:   p.Price,
			ProductName: p.Name,
		}},
	}
	require.NoError(env.T, env.DB.Create(&o).Error)
	return &o
}

func (env *testEnv) getProduct(id uint) models.Product {
	env.T.Helper()
	var p models.Product
	require.NoError(env.T, env.DB.First(&p, id).Error)
	return p
}

func (env *testEnv) getOrder(id uint) models.Order {
	env.T.Helper()
	var o models.Order
	require.NoError(env.T, env.DB.Preload("Items").First(&o, id).Error)
	return o
}

func codBody(p *models.Product, qty uint, amount float64) map[string]interface{} {
	return map[string]interface{}{
		"items":        []map[string]interface{}{{"product_id": p.ID, "quantity": qty}},
		"total_amount": amount,
		"shipping_address": map[string]string{
			"name":  "Test User",
			"phone": "9999999999",
		},
	}
}

func TestCreateCODOrder(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(5)

	rec, c := env.doJSONRequest(http.MethodPost, "/api/orders/cod",
		codBody(p, 2, 200), accessCookie(t, 1, "user"))
	require.NoError(t, env.H.CreateCODOrder(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OrderID       uint   `json:"order_id"`
		Status        string `json:"status"`
		PaymentStatus string `json:"payment_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.OrderStatusPending, resp.Status)
	require.Equal(t, models.PaymentStatusPending, resp.PaymentStatus)

	order := env.getOrder(resp.OrderID)
	require.Equal(t, models.PaymentMethodCOD, order.PaymentMethod)
	require.Empty(t, order.GatewayOrderID)

	// COD has no payment confirmation step, so stock commits at placement.
	require.Equal(t, 3, env.getProduct(p.ID).StockQuantity)
}

func TestCreateCODOrderAboveCeiling(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(5)

	_, c := env.doJSONRequest(http.MethodPost, "/api/orders/cod",
		codBody(p, 2, 50001), accessCookie(t, 1, "user"))

	err := env.H.CreateCODOrder(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)

	var count int64
	require.NoError(t, env.DB.Model(&models.Order{}).Count(&count).Error)
	require.Zero(t, count)
	require.Equal(t, 5, env.getProduct(p.ID).StockQuantity)
}

func TestCreateCODOrderUnknownProduct(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"items":            []map[string]interface{}{{"product_id": 9999, "quantity": 1}},
		"total_amount":     100.0,
		"shipping_address": map[string]string{"name": "A", "phone": "1"},
	}
	_, c := env.doJSONRequest(http.MethodPost, "/api/orders/cod", body, accessCookie(t, 1, "user"))

	err := env.H.CreateCODOrder(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)
}

func TestCancelPaidOrderRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3) // 5 at order time, 2 already consumed by this order
	order := env.seedOrder(1, models.OrderStatusProcessing, models.PaymentStatusPaid, models.PaymentMethodGateway, p, 2)

	rec, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusCancelled})
	c.SetParamNames("id")
	c.SetParamValues("1")

	require.NoError(t, env.H.UpdateStatus(c))
	require.Equal(t, http.StatusOK, rec.Code)

	got := env.getOrder(order.ID)
	require.Equal(t, models.OrderStatusCancelled, got.Status)
	require.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)

	restored := env.getProduct(p.ID)
	require.Equal(t, 5, restored.StockQuantity)
	require.True(t, restored.InStock)
}

func TestCancelCODOrderRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	env.seedOrder(1, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodCOD, p, 2)

	rec, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusCancelled})
	c.SetParamNames("id")
	c.SetParamValues("1")

	require.NoError(t, env.H.UpdateStatus(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, env.getProduct(p.ID).StockQuantity)
}

func TestCancelUnpaidGatewayOrderDoesNotRestore(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(5) // never decremented: payment was never confirmed
	env.seedOrder(1, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodGateway, p, 2)

	rec, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusCancelled})
	c.SetParamNames("id")
	c.SetParamValues("1")

	require.NoError(t, env.H.UpdateStatus(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, env.getProduct(p.ID).StockQuantity)
}

func TestCancelShippedOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	order := env.seedOrder(1, models.OrderStatusShipped, models.PaymentStatusPaid, models.PaymentMethodGateway, p, 2)

	_, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusCancelled})
	c.SetParamNames("id")
	c.SetParamValues("1")

	err := env.H.UpdateStatus(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)

	require.Equal(t, models.OrderStatusShipped, env.getOrder(order.ID).Status)
	require.Equal(t, 3, env.getProduct(p.ID).StockQuantity)
}

func TestUpdateStatusProgression(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	order := env.seedOrder(1, models.OrderStatusProcessing, models.PaymentStatusPaid, models.PaymentMethodGateway, p, 2)

	rec, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusShipped})
	c.SetParamNames("id")
	c.SetParamValues("1")

	require.NoError(t, env.H.UpdateStatus(c))
	require.Equal(t, http.StatusOK, rec.Code)

	got := env.getOrder(order.ID)
	require.Equal(t, models.OrderStatusShipped, got.Status)
	// Fulfilment transitions never touch the payment dimension.
	require.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	require.Equal(t, 3, env.getProduct(p.ID).StockQuantity)
}

func TestCancelledOrderIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	order := env.seedOrder(1, models.OrderStatusProcessing, models.PaymentStatusPaid, models.PaymentMethodGateway, p, 2)

	rec, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusCancelled})
	c.SetParamNames("id")
	c.SetParamValues("1")
	require.NoError(t, env.H.UpdateStatus(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, env.getProduct(p.ID).StockQuantity)

	// Reviving a cancelled order is rejected...
	_, c = env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusProcessing})
	c.SetParamNames("id")
	c.SetParamValues("1")
	err := env.H.UpdateStatus(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)
	require.Equal(t, models.OrderStatusCancelled, env.getOrder(order.ID).Status)

	// ...so a repeated cancellation can never restore the stock twice.
	_, c = env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusCancelled})
	c.SetParamNames("id")
	c.SetParamValues("1")
	err = env.H.UpdateStatus(c)
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)
	require.Equal(t, 5, env.getProduct(p.ID).StockQuantity)
}

func TestDeliveredOrderIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	order := env.seedOrder(1, models.OrderStatusDelivered, models.PaymentStatusPaid, models.PaymentMethodGateway, p, 2)

	_, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": models.OrderStatusPending})
	c.SetParamNames("id")
	c.SetParamValues("1")

	err := env.H.UpdateStatus(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)
	require.Equal(t, models.OrderStatusDelivered, env.getOrder(order.ID).Status)
	require.Equal(t, 3, env.getProduct(p.ID).StockQuantity)
}

func TestUpdateStatusUnknownValue(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	env.seedOrder(1, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodCOD, p, 2)

	_, c := env.doJSONRequest(http.MethodPatch, "/api/admin/orders/1/status",
		map[string]string{"status": "teleported"})
	c.SetParamNames("id")
	c.SetParamValues("1")

	err := env.H.UpdateStatus(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusBadRequest, he.Code)
}

func TestGetOrderOwnership(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(3)
	env.seedOrder(1, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodCOD, p, 2)

	_, c := env.doJSONRequest(http.MethodGet, "/api/orders/1", nil, accessCookie(t, 2, "user"))
	c.SetParamNames("id")
	c.SetParamValues("1")

	err := env.H.GetOrder(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusForbidden, he.Code)
}

func TestGetOrders(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProduct(10)
	env.seedOrder(1, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodCOD, p, 1)
	env.seedOrder(1, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodCOD, p, 2)
	env.seedOrder(2, models.OrderStatusPending, models.PaymentStatusPending, models.PaymentMethodCOD, p, 3)

	rec, c := env.doJSONRequest(http.MethodGet, "/api/orders", nil, accessCookie(t, 1, "user"))
	require.NoError(t, env.H.GetOrders(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []models.Order `json:"data"`
		Meta struct {
			Total int64 `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	require.Equal(t, int64(2), resp.Meta.Total)
}
