package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/hash"
	"github.com/nkmelnikov/shop_backend/internal/logging"
	"github.com/nkmelnikov/shop_backend/internal/models"
	"github.com/nkmelnikov/shop_backend/internal/mykafka"
)

type AuthHandler struct {
	DB            *gorm.DB
	JWTSecret     []byte
	RefreshSecret []byte
	Producer      *mykafka.Producer
}

func CreateCookie(name, value, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password required")
	}

	var existing models.User
	err := h.DB.Where("username = ?", req.Username).First(&existing).Error
	if err == nil {
		return echo.NewHTTPError(http.StatusConflict, "user already exists")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not check user")
	}

	passwordHash, err := hash.HashPassword(req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not hash password")
	}

	user := models.User{
		Username:     req.Username,
		PasswordHash: passwordHash,
		Role:         "user",
	}
	if err := h.DB.Create(&user).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create user")
	}

	h.publish(c, map[string]interface{}{
		"type":     "user_registered",
		"userID":   user.ID,
		"username": user.Username,
	})

	return c.JSON(http.StatusOK, echo.Map{"id": user.ID, "username": user.Username})
}

func (h *AuthHandler) Login(c echo.Context) error {
	l := logging.FromContext(c.Request().Context()).With("handler", "auth.login")

	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	var user models.User
	if err := h.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if !hash.CheckPassword(user.PasswordHash, req.Password) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	accessExp := time.Now().Add(15 * time.Minute)
	accessClaims := jwt.MapClaims{
		"sub":  user.ID,
		"role": user.Role,
		"exp":  accessExp.Unix(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(h.JWTSecret)
	if err != nil {
		l.Error("could not sign access token", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create token")
	}

	refreshExp := time.Now().Add(7 * 24 * time.Hour)
	refreshClaims := jwt.MapClaims{
		"sub":  user.ID,
		"role": user.Role,
		"exp":  refreshExp.Unix(),
		"typ":  "refresh",
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(h.RefreshSecret)
	if err != nil {
		l.Error("could not sign refresh token", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create token")
	}

	refreshModel := models.RefreshToken{
		Token:     refreshToken,
		UserID:    user.ID,
		ExpiresAt: refreshExp,
	}
	if err := h.DB.Create(&refreshModel).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store refresh token")
	}

	c.SetCookie(CreateCookie("accessToken", accessToken, "/", accessExp))
	c.SetCookie(CreateCookie("refreshToken", refreshToken, "/", refreshExp))

	h.publish(c, map[string]interface{}{
		"type":     "user_logged_in",
		"userID":   user.ID,
		"username": user.Username,
	})

	return c.JSON(http.StatusOK, echo.Map{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"is_admin":      user.Role == "admin",
	})
}

func (h *AuthHandler) LogOut(c echo.Context) error {
	refreshCookie, err := c.Cookie("refreshToken")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing refresh cookie")
	}

	result := h.DB.Model(&models.RefreshToken{}).
		Where("token = ?", refreshCookie.Value).
		Update("revoked", true)
	if result.Error != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not revoke token")
	}

	expired := time.Now().Add(-1 * time.Hour)
	c.SetCookie(CreateCookie("accessToken", "", "/", expired))
	c.SetCookie(CreateCookie("refreshToken", "", "/", expired))

	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (h *AuthHandler) publish(c echo.Context, event map[string]interface{}) {
	if h.Producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Producer.PublishEvent(ctx, "user_events", fmt.Sprint(event["userID"]), event); err != nil {
		c.Logger().Errorf("Kafka publish error: %v", err)
	}
}
