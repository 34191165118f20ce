package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/pkg/dto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startHub(t *testing.T) (*Hub, string, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return hub, url, func() {
		cancel()
		<-hub.done
		srv.Close()
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) dto.WSEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev dto.WSEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func eventPayload(t *testing.T, plate string) []byte {
	t.Helper()
	alarm := int64(4)
	data, err := json.Marshal(models.VehicleLogEvent{
		Type:    models.EventVehicleLogCreated,
		AlarmID: "A4",
		VehicleLog: &models.VehicleLog{
			ID:        9,
			AlarmID:   &alarm,
			Timestamp: time.Date(2025, 12, 25, 10, 24, 17, 0, time.UTC),
			PlateText: &plate,
			Direction: models.DirectionIn,
		},
	})
	require.NoError(t, err)
	return data
}

func TestHub_BroadcastsVehicleLogEvents(t *testing.T) {
	hub, url, stop := startHub(t)
	defer stop()

	all := dial(t, url)
	defer all.Close()
	filtered := dial(t, url+"?plate=xyz")
	defer filtered.Close()
	waitClients(t, hub, 2)

	require.NoError(t, hub.HandleVehicleLogEvent(eventPayload(t, "ABC1234")))
	require.NoError(t, hub.HandleVehicleLogEvent(eventPayload(t, "XYZ987")))

	first := readEvent(t, all)
	assert.Equal(t, models.EventVehicleLogCreated, first.Type)
	assert.Equal(t, "A4", first.AlarmID)
	assert.Equal(t, int64(9), first.Data.ID)
	assert.Equal(t, "ABC1234", *first.Data.PlateText)
	assert.Equal(t, "2025-12-25T10:24:17Z", first.Data.Timestamp)
	assert.Equal(t, "XYZ987", *readEvent(t, all).Data.PlateText)

	assert.Equal(t, "XYZ987", *readEvent(t, filtered).Data.PlateText, "filter skips non-matching plates")
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, url, stop := startHub(t)
	defer stop()

	conn := dial(t, url)
	waitClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitClients(t, hub, 0)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, url, stop := startHub(t)

	conn := dial(t, url)
	defer conn.Close()
	waitClients(t, hub, 1)

	stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandleVehicleLogEvent_Invalid(t *testing.T) {
	hub := NewHub(nil)
	assert.Error(t, hub.HandleVehicleLogEvent([]byte("{")))
	assert.Error(t, hub.HandleVehicleLogEvent([]byte(`{"type":"vehicle_log_created"}`)))
}
