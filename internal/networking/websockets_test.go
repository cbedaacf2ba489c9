package networking

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type echoHandler struct {
	readChan  chan Message
	writeChan chan Message
	closed    chan struct{}
}

func newEchoHandler() *echoHandler {
	h := &echoHandler{
		readChan:  make(chan Message, 10),
		writeChan: make(chan Message, 10),
		closed:    make(chan struct{}),
	}
	go func() {
		for msg := range h.readChan {
			if msg.Type == websocket.TextMessage && string(msg.Data) == "bye" {
				close(h.writeChan)
				continue
			}
			h.writeChan <- Message{Type: msg.Type, Data: append([]byte("echo:"), msg.Data...)}
		}
		close(h.closed)
	}()
	return h
}

func (h *echoHandler) GetReader() chan<- Message { return h.readChan }
func (h *echoHandler) GetWriter() <-chan Message { return h.writeChan }

func TestWebsocketHandlerRoundTrip(t *testing.T) {
	handlers := make(chan *echoHandler, 1)
	server := httptest.NewServer(http.HandlerFunc(NewWebsocketHandlerFunc(func(r *http.Request) (WebsocketMessageHandler, error) {
		h := newEchoHandler()
		handlers <- h
		return h, nil
	})))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.BinaryMessage || string(data) != "echo:\x01\x02" {
		t.Fatalf("got %d %q %v", mt, data, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("bye")); err != nil {
		t.Fatal(err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}

	h := <-handlers
	select {
	case <-h.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("reader channel was not closed after the connection ended")
	}
}

func TestWebsocketHandlerRefusesConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(NewWebsocketHandlerFunc(func(r *http.Request) (WebsocketMessageHandler, error) {
		return nil, errors.New("sample_rate is required")
	})))
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err == nil {
		t.Fatal("expected the dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestGetClientIpAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	if got := getClientIpAddress(r); got != "10.0.0.1:1234" {
		t.Errorf("got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := getClientIpAddress(r); got != "1.2.3.4" {
		t.Errorf("got %q", got)
	}
	r.Header.Set("X-Real-IP", "5.6.7.8")
	if got := getClientIpAddress(r); got != "5.6.7.8" {
		t.Errorf("got %q", got)
	}
}
