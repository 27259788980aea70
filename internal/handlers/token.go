package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/linkhubhq/linkhub/internal/auth"
)

// TokenHandler mints dashboard JWTs. The endpoint is unauthenticated and
// meant to sit behind an upstream identity layer or be used in development.
type TokenHandler struct {
	logger    *slog.Logger
	secret    string
	expiresIn time.Duration
}

func NewTokenHandler(log *slog.Logger, secret string, expiresIn time.Duration) *TokenHandler {
	return &TokenHandler{
		logger:    log.With(slog.String("handler", "token")),
		secret:    secret,
		expiresIn: expiresIn,
	}
}

func (h *TokenHandler) Register(e *echo.Echo) {
	e.POST("/auth/token", h.IssueToken)
}

type issueTokenRequest struct {
	UserID string `json:"userId"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *TokenHandler) IssueToken(c echo.Context) error {
	var req issueTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	token, expiresAt, err := auth.GenerateToken(req.UserID, h.secret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.Info("token issued", slog.String("user_id", req.UserID))
	return c.JSON(http.StatusOK, issueTokenResponse{Token: token, ExpiresAt: expiresAt})
}
