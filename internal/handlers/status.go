package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/deepclaw/smsgate/internal/sms"
)

// StatusHandler exposes per-account channel activity for external observers.
type StatusHandler struct {
	board  *sms.StatusBoard
	logger *slog.Logger
}

func NewStatusHandler(log *slog.Logger, board *sms.StatusBoard) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{
		board:  board,
		logger: log.With(slog.String("handler", "status")),
	}
}

func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/api/status", h.List)
}

func (h *StatusHandler) List(c echo.Context) error {
	if h.board == nil {
		return c.JSON(http.StatusOK, []sms.AccountStatus{})
	}
	return c.JSON(http.StatusOK, h.board.Snapshot())
}
