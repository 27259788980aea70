// Package handlers exposes the dashboard HTTP API.
package handlers

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/linkhubhq/linkhub/internal/auth"
	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/hub"
	"github.com/linkhubhq/linkhub/internal/message"
	"github.com/linkhubhq/linkhub/internal/store"
)

type ConnectionsHandler struct {
	hub      *hub.Hub
	logger   *slog.Logger
	validate *validator.Validate
}

func NewConnectionsHandler(log *slog.Logger, h *hub.Hub) *ConnectionsHandler {
	return &ConnectionsHandler{
		hub:      h,
		logger:   log.With(slog.String("handler", "connections")),
		validate: validator.New(),
	}
}

func (h *ConnectionsHandler) Register(e *echo.Echo) {
	group := e.Group("/connections")
	group.POST("", h.Create)
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.PATCH("/:id", h.Update)
	group.DELETE("/:id", h.Delete)
	group.POST("/:id/stop", h.Stop)
	group.POST("/:id/restart", h.Restart)
	group.POST("/:id/scan-qr", h.ScanQR)
	group.GET("/:id/status", h.Status)
	group.GET("/:id/qr", h.QR)
	group.GET("/:id/contexts", h.Contexts)
}

type createConnectionRequest struct {
	Channel  string         `json:"channel" validate:"required"`
	Token    string         `json:"token" validate:"required"`
	AgentURL string         `json:"agentUrl" validate:"required,url"`
	Metadata map[string]any `json:"metadata"`
}

func (h *ConnectionsHandler) Create(c echo.Context) error {
	var req createConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ch, err := message.ParseChannel(req.Channel)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	info, err := h.hub.Create(c.Request().Context(), channel.Config{
		Channel:  ch,
		Token:    req.Token,
		AgentURL: req.AgentURL,
		UserID:   userID,
		Metadata: req.Metadata,
	})
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (h *ConnectionsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	infos, err := h.hub.List(c.Request().Context(), userID)
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusOK, infos)
}

func (h *ConnectionsHandler) Get(c echo.Context) error {
	info, err := h.requireOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

type updateConnectionRequest struct {
	Token    *string        `json:"token"`
	AgentURL *string        `json:"agentUrl" validate:"omitempty,url"`
	Metadata map[string]any `json:"metadata"`
}

func (h *ConnectionsHandler) Update(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	var req updateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == nil && req.AgentURL == nil && req.Metadata == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "empty patch")
	}
	info, err := h.hub.Update(c.Request().Context(), c.Param("id"), hub.UpdatePatch{
		Token:    req.Token,
		AgentURL: req.AgentURL,
		Metadata: req.Metadata,
	})
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *ConnectionsHandler) Delete(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	if err := h.hub.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapHubError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConnectionsHandler) Stop(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	if err := h.hub.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return mapHubError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConnectionsHandler) Restart(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	info, err := h.hub.Restart(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// ScanQR wipes stored pairing credentials and restarts the client so a fresh
// QR code is issued.
func (h *ConnectionsHandler) ScanQR(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	info, err := h.hub.ScanQR(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *ConnectionsHandler) Status(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	status, err := h.hub.Status(c.Param("id"))
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// QR renders the pending pairing payload as a PNG, base64-encoded so
// dashboards can drop it into an img tag.
func (h *ConnectionsHandler) QR(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	status, err := h.hub.Status(c.Param("id"))
	if err != nil {
		return mapHubError(err)
	}
	if status.State != channel.StateQR || status.QR == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no pending qr code")
	}
	png, err := qrcode.Encode(status.QR, qrcode.Medium, 256)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "qr render failed")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"qr":    status.QR,
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	})
}

func (h *ConnectionsHandler) Contexts(c echo.Context) error {
	if _, err := h.requireOwned(c); err != nil {
		return err
	}
	contexts, err := h.hub.Contexts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapHubError(err)
	}
	return c.JSON(http.StatusOK, contexts)
}

// requireOwned loads the connection and enforces that it belongs to the
// authenticated user.
func (h *ConnectionsHandler) requireOwned(c echo.Context) (hub.Info, error) {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return hub.Info{}, err
	}
	info, err := h.hub.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return hub.Info{}, mapHubError(err)
	}
	if info.Config.UserID != "" && info.Config.UserID != userID {
		// Hide other tenants' connections entirely.
		return hub.Info{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return info, nil
}

func mapHubError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	case errors.Is(err, hub.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
