package payment

import (
	"bytes"
	"context"
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

	"github.com/nkmelnikov/shop_backend/internal/gateway"
	"github.com/nkmelnikov/shop_backend/internal/inventory"
	"github.com/nkmelnikov/shop_backend/internal/models"
)

var (
	testJWTSecret     = []byte("test_jwt_secret")
	testPaymentSecret = []byte("test_key_secret")
	testWebhookSecret = []byte("test_webhook_secret")
)

type fakeGateway struct {
	intentID string
	err      error
	calls    int
}

func (f *fakeGateway) CreateIntent(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Intent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Intent{
		ID:       f.intentID,
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

type testEnv struct {
	T       *testing.T
	E       *echo.Echo
	DB      *gorm.DB
	H       *Handler
	Gateway *fakeGateway
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

	gw := &fakeGateway{intentID: "order_test123"}
	env := &testEnv{
		T:       t,
		E:       echo.New(),
		DB:      db,
		Gateway: gw,
		H: &Handler{
			DB:            db,
			Gateway:       gw,
			Inventory:     inventory.New(db, nil),
			JWTSecret:     testJWTSecret,
			GatewayKeyID:  "key_id",
			PaymentSecret: testPaymentSecret,
			WebhookSecret: testWebhookSecret,
			Currency:      "INR",
		},
	}
	return env
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

func (env *testEnv) seedProduct(name string, price float64, stock int) *models.Product {
	env.T.Helper()
	p := models.Product{
		Name:          name,
		Description:   name + "_description",
		Price:         price,
		Image:         name + ".jpg",
		StockQuantity: stock,
		InStock:       stock > 0,
	}
	require.NoError(env.T, env.DB.Create(&p).Error)
	return &p
}

func (env *testEnv) seedGatewayOrder(userID uint, gatewayOrderID string, p *models.Product, qty uint) *models.Order {
	env.T.Helper()
	order := models.Order{
		UserID:         userID,
		TotalAmount:    p.Price * float64(qty),
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  models.PaymentMethodGateway,
		GatewayOrderID: gatewayOrderID,
		Shipping:       models.ShippingAddress{Name: "Test User", Phone: "9999999999"},
		Items: []models.OrderItem{{
			ProductID:   p.ID,
			Quantity:    qty,
			UnitPrice:   p.Price,
			ProductName: p.Name,
		}},
	}
	require.NoError(env.T, env.DB.Create(&order).Error)
	return &order
}

func (env *testEnv) seedCODOrder(userID uint, p *models.Product, qty uint) *models.Order {
	env.T.Helper()
	order := models.Order{
		UserID:        userID,
		TotalAmount:   p.Price * float64(qty),
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		PaymentMethod: models.PaymentMethodCOD,
		Shipping:      models.ShippingAddress{Name: "Test User", Phone: "9999999999"},
		Items: []models.OrderItem{{
			ProductID:   p.ID,
			Quantity:    qty,
			UnitPrice:   p.Price,
			ProductName: p.Name,
		}},
	}
	require.NoError(env.T, env.DB.Create(&order).Error)
	return &order
}

func (env *testEnv) getOrder(id uint) models.Order {
	env.T.Helper()
	var o models.Order
	require.NoError(env.T, env.DB.Preload("Items").First(&o, id).Error)
	return o
}

func (env *testEnv) getProduct(id uint) models.Product {
	env.T.Helper()
	var p models.Product
	require.NoError(env.T, env.DB.First(&p, id).Error)
	return p
}
