package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anon-chat/internal/models"
)

type lookupStub map[string]bool

func (s lookupStub) Exists(_ context.Context, id string) (bool, error) {
	return s[id], nil
}

func TestHubAddAndRemove(t *testing.T) {
	hub := NewHub(nil)

	cl := hub.Add("room:K7PM2Q", nil, ConnInfo{})
	if hub.Watchers("room:K7PM2Q") != 1 {
		t.Fatalf("expected watcher to be registered")
	}

	hub.Remove("room:K7PM2Q", cl)
	if len(hub.rooms) != 0 {
		t.Fatalf("expected conversation to be removed")
	}
}

func TestNotifyWithoutWatchers(t *testing.T) {
	hub := NewHub(nil)
	assert.NotPanics(t, func() { hub.Notify("room:NOBODY") })
}

// fakeConn records writes. With block set, every write waits until the
// channel is closed.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	block  chan struct{}
	closed bool
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func TestNotifyDoesNotWaitForStalledWatcher(t *testing.T) {
	hub := NewHub(nil)
	stalled := &fakeConn{block: make(chan struct{})}
	healthy := &fakeConn{}
	stalledWatcher := hub.add("room:K7PM2Q", stalled, ConnInfo{})
	hub.add("room:K7PM2Q", healthy, ConnInfo{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Notify("room:K7PM2Q")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled watcher")
	}
	assert.Eventually(t, func() bool { return healthy.count() >= 1 }, time.Second, 5*time.Millisecond)

	close(stalled.block)
	hub.Remove("room:K7PM2Q", stalledWatcher)
	assert.LessOrEqual(t, stalled.count(), 2, "pending nudges coalesce")
}

func newTestServer(t *testing.T, hub *Hub, lookup lookupStub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	router := gin.New()
	router.GET("/api/ws", NewConversationWebSocketHandler(hub, lookup, logger).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestWatcherReceivesAppendNudge(t *testing.T) {
	hub := NewHub(nil)
	pairID := models.PairConversationID("AAAAAAAA", "BBBBBBBB")
	srv := newTestServer(t, hub, lookupStub{pairID: true})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?myCode=bbbbbbbb&targetCode=AAAAAAAA"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Watchers(pairID) == 1 }, time.Second, 10*time.Millisecond)
	hub.Notify(pairID)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev models.PushEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventAppend, ev.Type)
	assert.Equal(t, pairID, ev.Conversation)
}

func TestHandshakeRejectsUnknownConversation(t *testing.T) {
	srv := newTestServer(t, NewHub(nil), lookupStub{})

	resp, err := http.Get(srv.URL + "/api/ws?roomCode=K7PM2Q")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/ws?myCode=AAAAAAAA&targetCode=aaaaaaaa")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
