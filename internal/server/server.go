package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/deepclaw/smsgate/internal/handlers"
	"github.com/deepclaw/smsgate/internal/sms"
)

// Server hosts the webhook ingress and the observability endpoints.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the echo instance. Fixed routes (ping, status) are
// registered first; the sms processor's catch-all dispatch route goes last so
// it only sees paths no other handler claimed.
func NewServer(addr string, pingHandler *handlers.PingHandler, statusHandler *handlers.StatusHandler, processor *sms.Processor) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if statusHandler != nil {
		statusHandler.Register(e)
	}
	if processor != nil {
		processor.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
