package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

func testSnapshot(room string) session.Snapshot {
	return session.Snapshot{
		ID:          "sess-1",
		ClassroomID: room,
		SubjectID:   "cs-131",
		State:       session.StateActive,
	}
}

func dialHub(t *testing.T, hub *Hub, classroomID string, initial []session.Snapshot) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, classroomID, initial)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func TestHub_SnapshotOnSubscribe(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	t.Cleanup(hub.Close)

	conn := dialHub(t, hub, "room-101", []session.Snapshot{testSnapshot("room-101")})

	frame := readFrame(t, conn)
	assert.Equal(t, "snapshot", frame.Type)
	assert.Equal(t, "sess-1", frame.Session.ID)
	assert.Equal(t, "room-101", frame.Session.ClassroomID)
}

func TestHub_PublishReachesRoomSubscriber(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	t.Cleanup(hub.Close)

	conn := dialHub(t, hub, "room-101", nil)

	// Serve registers the subscriber asynchronously to the dial.
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(testSnapshot("room-101"), shared.NewBaseEvent(shared.EventSessionStarted, "sess-1"))

	frame := readFrame(t, conn)
	assert.Equal(t, "update", frame.Type)
	assert.Equal(t, string(shared.EventSessionStarted), frame.Event)
	assert.Equal(t, "sess-1", frame.Session.ID)
}

func TestHub_RoomIsolation(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	t.Cleanup(hub.Close)

	conn := dialHub(t, hub, "room-202", nil)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	// An event in another room must not reach this subscriber.
	hub.Publish(testSnapshot("room-101"), shared.NewBaseEvent(shared.EventSessionStarted, "sess-1"))
	hub.Publish(testSnapshot("room-202"), shared.NewBaseEvent(shared.EventSessionEnded, "sess-2"))

	frame := readFrame(t, conn)
	assert.Equal(t, "room-202", frame.Session.ClassroomID)
}

func TestHub_FirehoseSeesAllRooms(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	t.Cleanup(hub.Close)

	conn := dialHub(t, hub, "", nil)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(testSnapshot("room-101"), shared.NewBaseEvent(shared.EventSessionStarted, "sess-1"))

	frame := readFrame(t, conn)
	assert.Equal(t, "room-101", frame.Session.ClassroomID)
}

func TestSubscriber_DropOldestOnFullQueue(t *testing.T) {
	sub := &subscriber{
		queue: make(chan []byte, 2),
		done:  make(chan struct{}),
	}

	sub.offer([]byte("1"))
	sub.offer([]byte("2"))
	sub.offer([]byte("3"))

	assert.Equal(t, []byte("2"), <-sub.queue)
	assert.Equal(t, []byte("3"), <-sub.queue)
	assert.Equal(t, 1, sub.dropped)
}
