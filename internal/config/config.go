package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/models"
)

type Config struct {
	ServerPort int
	LogLevel   string

	DB_HOST     string
	DB_PORT     string
	DB_USER     string
	DB_PASSWORD string
	DB_NAME     string

	ES_URL      string
	ES_USER     string
	ES_PASSWORD string

	JWT_SECRET     string
	REFRESH_SECRET string

	KAFKA_ADDRESS string

	GATEWAY_KEY_ID         string
	GATEWAY_KEY_SECRET     string
	GATEWAY_WEBHOOK_SECRET string

	Currency     string
	CODMaxAmount float64
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	config := &Config{
		ServerPort: envIntDefault("SERVER_PORT", 8080),
		LogLevel:   envDefault("LOG_LEVEL", "info"),

		DB_HOST:     os.Getenv("DB_HOST"),
		DB_PORT:     os.Getenv("DB_PORT"),
		DB_USER:     os.Getenv("DB_USER"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_NAME:     os.Getenv("DB_NAME"),

		ES_URL:      os.Getenv("ES_URL"),
		ES_USER:     os.Getenv("ES_USER"),
		ES_PASSWORD: os.Getenv("ES_PASSWORD"),

		JWT_SECRET:     os.Getenv("JWT_SECRET"),
		REFRESH_SECRET: os.Getenv("REFRESH_SECRET"),

		KAFKA_ADDRESS: os.Getenv("KAFKA_ADDRESS"),

		GATEWAY_KEY_ID:         os.Getenv("GATEWAY_KEY_ID"),
		GATEWAY_KEY_SECRET:     os.Getenv("GATEWAY_KEY_SECRET"),
		GATEWAY_WEBHOOK_SECRET: os.Getenv("GATEWAY_WEBHOOK_SECRET"),

		Currency:     envDefault("CURRENCY", "INR"),
		CODMaxAmount: envFloatDefault("COD_MAX_AMOUNT", 50000),
	}

	return config, nil
}

// MustValidate kills the process when a secret the payment core cannot run
// without is missing.
func (c *Config) MustValidate() {
	mustNonEmpty(c.JWT_SECRET, "JWT_SECRET")
	mustNonEmpty(c.REFRESH_SECRET, "REFRESH_SECRET")
	mustNonEmpty(c.GATEWAY_KEY_ID, "GATEWAY_KEY_ID")
	mustNonEmpty(c.GATEWAY_KEY_SECRET, "GATEWAY_KEY_SECRET")
	mustNonEmpty(c.GATEWAY_WEBHOOK_SECRET, "GATEWAY_WEBHOOK_SECRET")
}

func InitDB(ctx context.Context, cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.DB_USER, cfg.DB_PASSWORD, cfg.DB_HOST, cfg.DB_PORT, cfg.DB_NAME,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Product{},
		&models.User{},
		&models.RefreshToken{},
		&models.Order{},
		&models.OrderItem{},
	); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustNonEmpty(value, envName string) {
	if value == "" {
		log.Fatalf("missing required env %s", envName)
	}
}
