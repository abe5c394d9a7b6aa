package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

const (
	localStreamActor = "stream_actor"
	localStreamAfter = "stream_after"
	replayLimit      = 200
)

// NotificationHandler serves workflow events by polling, SSE and websocket.
type NotificationHandler struct {
	service   service.NotificationService
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(service service.NotificationService, logger zerolog.Logger, keepAlive time.Duration) *NotificationHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &NotificationHandler{
		service:   service,
		logger:    logger.With().Str("component", "notification_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	guard := middleware.RequireCapability(middleware.CapReceiveNotification)

	router.Get("/", guard, h.list)
	router.Get("/stream", guard, h.stream)
	router.Use("/ws", guard, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		after, err := parseCursor(c)
		if err != nil {
			return badRequest(c, "invalid cursor")
		}
		c.Locals(localStreamActor, actorFromContext(c))
		c.Locals(localStreamAfter, after)
		return c.Next()
	})
	router.Get("/ws", websocket.New(h.socket))
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	var query dto.NotificationListQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.service.List(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, result.Items, "notifications", fiber.Map{"next_cursor": result.NextCursor})
}

func (h *NotificationHandler) stream(c *fiber.Ctx) error {
	after, err := parseCursor(c)
	if err != nil {
		return badRequest(c, "invalid cursor")
	}

	actor := actorFromContext(c)
	department := strings.TrimSpace(c.Query("department"))
	ctx, cancel := context.WithCancel(requestContext(c))

	// Subscribe before replaying so nothing emitted in between is lost.
	events, cleanup := h.service.Subscribe(actor, service.SubscribeOptions{Department: department, Transport: "sse"})
	backlog, err := h.replay(ctx, actor, department, after)
	if err != nil {
		cleanup()
		cancel()
		return respondError(c, h.logger, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		last := after
		for _, event := range backlog {
			if err := writeNotificationEvent(w, event); err != nil {
				return
			}
			last = event.Sequence
		}

		ticker := time.NewTicker(h.keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Sequence != 0 && event.Sequence <= last {
					continue
				}
				if err := writeNotificationEvent(w, event); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification event")
					return
				}
				last = event.Sequence
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *NotificationHandler) socket(conn *websocket.Conn) {
	actor, ok := conn.Locals(localStreamActor).(service.Actor)
	if !ok || actor.ID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
		_ = conn.Close()
		return
	}
	after, _ := conn.Locals(localStreamAfter).(uint)
	department := strings.TrimSpace(conn.Query("department"))

	ctx, cancel := context.WithCancel(middleware.ContextWithCorrelation(context.Background(), actor.CorrelationID))
	defer cancel()

	events, cleanup := h.service.Subscribe(actor, service.SubscribeOptions{Department: department, Transport: "websocket"})
	defer cleanup()

	logger := h.logger.With().Uint("user_id", actor.ID).Str("role", actor.Role).Logger()
	logger.Info().Msg("notification websocket connected")
	defer logger.Info().Msg("notification websocket disconnected")

	// Reads only detect the peer closing; clients never send data.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	backlog, err := h.replay(ctx, actor, department, after)
	if err != nil {
		logger.Warn().Err(err).Msg("notification replay failed")
	}
	last := after
	for _, event := range backlog {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		last = event.Sequence
	}

	ticker := time.NewTicker(h.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Sequence != 0 && event.Sequence <= last {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("failed to write notification frame")
				return
			}
			last = event.Sequence
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// replay loads every event persisted after the client's cursor, page by page, until a short
// page. A zero cursor skips replay.
func (h *NotificationHandler) replay(ctx context.Context, actor service.Actor, department string, after uint) ([]dto.NotificationEventResponse, error) {
	if after == 0 {
		return nil, nil
	}

	var backlog []dto.NotificationEventResponse
	cursor := after
	for {
		result, err := h.service.List(ctx, actor, dto.NotificationListQuery{After: cursor, Limit: replayLimit, Department: department})
		if err != nil {
			return nil, err
		}
		backlog = append(backlog, result.Items...)
		if len(result.Items) < replayLimit || result.NextCursor <= cursor {
			return backlog, nil
		}
		cursor = result.NextCursor
	}
}

// parseCursor reads Last-Event-ID, falling back to the after query parameter.
func parseCursor(c *fiber.Ctx) (uint, error) {
	raw := strings.TrimSpace(c.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("after"))
	}
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

func writeNotificationEvent(w *bufio.Writer, event dto.NotificationEventResponse) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if event.Sequence > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.Sequence); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
