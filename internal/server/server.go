// Package server wires the echo HTTP server and its middleware stack.
package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/linkhubhq/linkhub/internal/auth"
	"github.com/linkhubhq/linkhub/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, jwtSecret string, pingHandler *handlers.PingHandler, tokenHandler *handlers.TokenHandler, connectionsHandler *handlers.ConnectionsHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		path := c.Request().URL.Path
		return path == "/ping" || path == "/health" || path == "/auth/token"
	}))

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if tokenHandler != nil {
		tokenHandler.Register(e)
	}
	if connectionsHandler != nil {
		connectionsHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
