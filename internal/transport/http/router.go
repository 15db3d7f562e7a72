package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/authn"
	"github.com/nkmelnikov/shop_backend/internal/handlers"
	"github.com/nkmelnikov/shop_backend/internal/handlers/order"
	"github.com/nkmelnikov/shop_backend/internal/handlers/payment"
)

type Deps struct {
	DB             *gorm.DB
	AuthHandler    *handlers.AuthHandler
	PaymentHandler *payment.Handler
	OrderHandler   *order.Handler
	JWTSecret      []byte
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	api := e.Group("/api")

	v1 := api.Group("/v1")
	v1.POST("/register", d.AuthHandler.Register)
	v1.POST("/login", d.AuthHandler.Login)
	v1.POST("/logout", d.AuthHandler.LogOut)

	payments := api.Group("/payments")
	payments.POST("/create-order", d.PaymentHandler.CreateGatewayOrder)
	payments.POST("/verify", d.PaymentHandler.VerifyPayment)
	// No session auth here: the webhook authenticates by body signature only.
	payments.POST("/webhook", d.PaymentHandler.Webhook)

	orders := api.Group("/orders")
	orders.POST("/cod", d.OrderHandler.CreateCODOrder)
	orders.GET("", d.OrderHandler.GetOrders)
	orders.GET("/:id", d.OrderHandler.GetOrder)

	admin := api.Group("/admin", authn.RequireAdmin(d.JWTSecret))
	admin.PATCH("/orders/:id/status", d.OrderHandler.UpdateStatus)
}
