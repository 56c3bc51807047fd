package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Connection teardown races event broadcasts from the bus; enqueues arriving
// after Close must be dropped, never panic the server.
func TestSendEventAfterCloseIsDropped(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	err = conn.WriteJSON(map[string]any{
		"type": protocol.FrameRequest, "id": "c1", "method": protocol.MethodConnect,
		"params": map[string]string{"token": "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var res protocol.ResponseFrame
	if err := conn.ReadJSON(&res); err != nil || !res.OK {
		t.Fatalf("connect: %v %+v", err, res)
	}

	var client *Client
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		for _, c := range s.clients {
			client = c
		}
		s.mu.RUnlock()
		if client != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if client == nil {
		t.Fatal("client never registered")
	}

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for i := 0; i < 10*sendQueueSize; i++ {
			client.SendEvent(*protocol.NewEvent(protocol.EventChat, map[string]any{"seq": i}))
		}
	}()
	client.Close()
	<-stop

	// Sequential enqueues after teardown are no-ops as well.
	client.SendEvent(*protocol.NewEvent(protocol.EventChat, map[string]any{"seq": -1}))
}
