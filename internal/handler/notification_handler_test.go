package handler_test

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/handler"
)

func notificationApp(notifications *fakeNotificationService, id uint, role string) *fiber.App {
	app := newIdentityApp(id, role, "CSE")
	handler.NewNotificationHandler(notifications, discardLogger(), time.Minute).Register(app.Group("/api/v1/notifications"))
	return app
}

func TestNotificationHandler_ListReturnsCursor(t *testing.T) {
	notifications := &fakeNotificationService{list: dto.NotificationListResponse{
		Items:      []dto.NotificationEventResponse{{Sequence: 4, Type: "submission.approved"}},
		NextCursor: 4,
	}}
	app := notificationApp(notifications, 5, "student")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/notifications?after=3&limit=10&types=submission.approved", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(3), notifications.lastQuery.After)
	require.Equal(t, "submission.approved", notifications.lastQuery.Types)
	require.Equal(t, uint(5), notifications.lastActor.ID)

	payload := decodeEnvelope(t, resp)
	require.JSONEq(t, `{"next_cursor":4}`, string(payload.Meta))
}

func TestNotificationHandler_StreamReplaysThenForwardsLiveEvents(t *testing.T) {
	notifications := &fakeNotificationService{
		list: dto.NotificationListResponse{Items: []dto.NotificationEventResponse{
			{Sequence: 8, Type: "submission.submitted", Message: "replayed"},
		}},
		live: []dto.NotificationEventResponse{
			{Sequence: 8, Type: "submission.submitted", Message: "duplicate of replay"},
			{Sequence: 9, Type: "submission.approved", Message: "live"},
		},
	}
	app := notificationApp(notifications, 100, "faculty")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream?department=CSE", nil)
	req.Header.Set("Last-Event-ID", "7")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(body)

	require.Equal(t, uint(7), notifications.lastQuery.After)
	require.Equal(t, "CSE", notifications.lastOpts.Department)
	require.Equal(t, "sse", notifications.lastOpts.Transport)

	var ids []string
	scanner := bufio.NewScanner(strings.NewReader(stream))
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	require.Equal(t, []string{"8", "9"}, ids)
	require.Contains(t, stream, "event: submission.approved")
	require.NotContains(t, stream, "duplicate of replay")
	require.Eventually(t, notifications.wasCleaned, time.Second, 10*time.Millisecond)
}

func TestNotificationHandler_StreamReplaysEveryBacklogPage(t *testing.T) {
	full := make([]dto.NotificationEventResponse, 0, 200)
	for seq := uint(11); seq <= 210; seq++ {
		full = append(full, dto.NotificationEventResponse{Sequence: seq, Type: "submission.submitted"})
	}
	notifications := &fakeNotificationService{
		pages: []dto.NotificationListResponse{
			{Items: full, NextCursor: 210},
			{Items: []dto.NotificationEventResponse{{Sequence: 211, Type: "submission.approved"}}, NextCursor: 211},
		},
		live: []dto.NotificationEventResponse{{Sequence: 212, Type: "submission.rejected"}},
	}
	app := notificationApp(notifications, 1, "admin")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream?after=10", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	ids := 0
	last := ""
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "id: ") {
			ids++
			last = strings.TrimPrefix(line, "id: ")
		}
	}
	require.Equal(t, 202, ids)
	require.Equal(t, "212", last)

	require.Len(t, notifications.queries, 2)
	require.Equal(t, uint(10), notifications.queries[0].After)
	require.Equal(t, uint(210), notifications.queries[1].After)
}

func TestNotificationHandler_StreamRejectsBadCursor(t *testing.T) {
	app := notificationApp(&fakeNotificationService{}, 5, "student")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream?after=abc", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestNotificationHandler_WebsocketRequiresUpgrade(t *testing.T) {
	app := notificationApp(&fakeNotificationService{}, 5, "student")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestNotificationHandler_RequiresIdentity(t *testing.T) {
	app := notificationApp(&fakeNotificationService{}, 0, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
