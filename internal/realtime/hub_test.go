package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/models"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (have %d)", n, hub.ClientCount())
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	taskID := uuid.New()
	hub.Broadcast(messages.StatusChanged(models.StatusUpdate{
		TaskID: taskID,
		Status: models.TaskStatusRunning,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg messages.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != messages.TypeTaskStatus {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.TaskID != taskID || msg.Status != models.TaskStatusRunning {
		t.Errorf("got %s/%s", msg.TaskID, msg.Status)
	}
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := dialHub(t, hub)
	b := dialHub(t, hub)
	waitForClients(t, hub, 2)

	hub.Broadcast(messages.TaskOutput(uuid.New(), "chunk", 1))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubSinkSequencesOutput(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sink := NewHubSink(hub)

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	taskID := uuid.New()
	ctx := context.Background()
	for _, chunk := range []string{"a", "b", "c"} {
		if err := sink.AppendOutput(ctx, taskID, chunk); err != nil {
			t.Fatalf("AppendOutput: %v", err)
		}
	}

	for want := int64(1); want <= 3; want++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg messages.OutputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Seq != want {
			t.Errorf("got seq %d, want %d", msg.Seq, want)
		}
	}

	// Terminal status resets the counter for the task id.
	if err := sink.SetStatus(ctx, models.StatusUpdate{
		TaskID: taskID,
		Status: models.TaskStatusCompleted,
	}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := sink.AppendOutput(ctx, taskID, "again"); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}

	// Drain the status message, then check the restarted sequence.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read status: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var msg messages.OutputMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("seq not reset after terminal status: got %d", msg.Seq)
	}
}
