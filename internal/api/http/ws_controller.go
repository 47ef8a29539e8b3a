package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/teamsync/internal/config"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/service"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

type EventController struct {
	hub      service.HubInteractor
	cfg      config.WSConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewEventController(hub service.HubInteractor, cfg config.WSConfig, log *slog.Logger) *EventController {
	if log == nil {
		log = slog.Default()
	}
	return &EventController{
		hub: hub,
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Connect upgrades the request to the event channel and serves it until the
// socket closes.
func (c *EventController) Connect(ctx *gin.Context) {
	const op = "api.http.events.connect"
	log := c.log.With(slog.String("op", op))

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", sl.Err(err))
		return
	}

	client := domain.NewClient()
	client.Socket = conn
	if err := c.hub.RegisterClient(context.Background(), client); err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		conn.Close()
		return
	}

	go c.writeLoop(client)
	c.readLoop(client, log.With(slog.String("client_id", client.ID)))
}

func (c *EventController) readLoop(client *domain.Client, log *slog.Logger) {
	conn := client.Socket
	defer func() {
		if err := c.hub.UnregisterClient(context.Background(), client.ID); err != nil && !errors.Is(err, service.ErrClientNotFound) {
			log.Error("failed to unregister client", sl.Err(err))
		}
		conn.Close()
	}()

	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		client.Touch()
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		var msg domain.Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("connection closed", sl.Err(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if err := c.hub.HandleEvent(context.Background(), client.ID, msg); err != nil {
			if errors.Is(err, service.ErrClientNotFound) {
				return
			}
		}
	}
}

// writeLoop is the only writer of the socket.
func (c *EventController) writeLoop(client *domain.Client) {
	conn := client.Socket
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
