package server

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	echo_middleware "github.com/labstack/echo/v4/middleware"

	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/handler"
)

type Server struct {
	echo   *echo.Echo
	config *config.Config
}

func New(cfg *config.Config, h *handler.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler

	e.Use(echo_middleware.Logger())
	e.Use(echo_middleware.Recover())
	e.Use(echo_middleware.CORS())

	h.Register(e)

	return &Server{
		echo:   e,
		config: cfg,
	}
}

func (s *Server) Handler() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
