package emitter

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// Handler пушит снапшоты в каждое подключение с заданным интервалом.
// Клиент ничего не запрашивает: первый кадр уходит сразу после upgrade.
type Handler struct {
	gen      *Generator
	interval time.Duration
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(gen *Generator, interval time.Duration, logger *zap.Logger) *Handler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Handler{
		gen:      gen,
		interval: interval,
		logger:   logger.With(zap.String("mod", "emitter")),
		upgrader: websocket.Upgrader{
			// Дашборд на dev-сервере живёт на другом порту
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Чтение нужно, чтобы заметить закрытие со стороны клиента
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info("client connected", zap.String("remote", r.RemoteAddr))
	defer h.logger.Info("client disconnected", zap.String("remote", r.RemoteAddr))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(h.gen.Next(ctx)); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
		}
	}
}
