package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nkmelnikov/shop_backend/internal/config"
	"github.com/nkmelnikov/shop_backend/internal/es"
	"github.com/nkmelnikov/shop_backend/internal/gateway"
	"github.com/nkmelnikov/shop_backend/internal/handlers"
	"github.com/nkmelnikov/shop_backend/internal/handlers/order"
	"github.com/nkmelnikov/shop_backend/internal/handlers/payment"
	"github.com/nkmelnikov/shop_backend/internal/inventory"
	"github.com/nkmelnikov/shop_backend/internal/logging"
	"github.com/nkmelnikov/shop_backend/internal/loggingmw"
	"github.com/nkmelnikov/shop_backend/internal/mykafka"
	httpserver "github.com/nkmelnikov/shop_backend/internal/transport/http"
)

const gatewayBaseURL = "https://api.razorpay.com/v1"

func main() {
	configuration, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	configuration.MustValidate()

	logger := logging.New(configuration.LogLevel)

	db, err := config.InitDB(context.Background(), configuration)
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}

	jwtSecret := []byte(configuration.JWT_SECRET)
	refreshSecret := []byte(configuration.REFRESH_SECRET)

	var prod *mykafka.Producer
	if configuration.KAFKA_ADDRESS != "" {
		prod, err = mykafka.NewProducer([]string{configuration.KAFKA_ADDRESS})
		if err != nil {
			log.Fatal(err)
		}
	} else {
		log.Println("KAFKA_ADDRESS not set, event publishing disabled")
	}

	adjuster := inventory.New(db, nil)
	if configuration.ES_URL != "" {
		esClient, err := es.NewClient(configuration)
		if err != nil {
			log.Fatal(err)
		}
		adjuster = inventory.New(db, esClient)
	} else {
		log.Println("ES_URL not set, product reindexing disabled")
	}

	gw := gateway.NewClient(configuration.GATEWAY_KEY_ID, configuration.GATEWAY_KEY_SECRET, gatewayBaseURL)

	e := echo.New()
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID(), loggingmw.RequestLogger(logger))

	deps := httpserver.Deps{
		DB: db,
		AuthHandler: &handlers.AuthHandler{
			DB:            db,
			JWTSecret:     jwtSecret,
			RefreshSecret: refreshSecret,
			Producer:      prod,
		},
		PaymentHandler: &payment.Handler{
			DB:            db,
			Gateway:       gw,
			Inventory:     adjuster,
			Producer:      prod,
			JWTSecret:     jwtSecret,
			GatewayKeyID:  configuration.GATEWAY_KEY_ID,
			PaymentSecret: []byte(configuration.GATEWAY_KEY_SECRET),
			WebhookSecret: []byte(configuration.GATEWAY_WEBHOOK_SECRET),
			Currency:      configuration.Currency,
		},
		OrderHandler: &order.Handler{
			DB:           db,
			Inventory:    adjuster,
			Producer:     prod,
			JWTSecret:    jwtSecret,
			CODMaxAmount: configuration.CODMaxAmount,
		},
		JWTSecret: jwtSecret,
	}
	httpserver.Register(e, &deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", configuration.ServerPort),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
	}

	if prod != nil {
		if err := prod.Close(); err != nil {
			log.Printf("kafka close error: %v", err)
		}
	}

	log.Println("shutdown complete")
}
