package networking

import (
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"net/http"
	"runtime/debug"
	"time"
)

// Message is a single websocket frame, Type is websocket.TextMessage or websocket.BinaryMessage.
type Message struct {
	Type int
	Data []byte
}

func TextMessage(data []byte) Message {
	return Message{Type: websocket.TextMessage, Data: data}
}

// WebsocketMessageHandler usage:
// * Read from GetReader chan until closed (which means the other party closed it)
// * Write into GetWriter chan until you want - if you close it than the websocket will be closed gracefully.
type WebsocketMessageHandler interface {
	// GetReader is where websocket.ReadMessage will produce messages into UNTIL the websocket is closed,
	// then the Reader chan will be CLOSED, i.e. do NOT close this channel yourself as panic is a guaranteed.
	GetReader() chan<- Message
	// GetWriter is where you can write response - upon channel close, or invalid message produced,
	// the websocket will attempt to close gracefully.
	GetWriter() <-chan Message
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Adjust the origin check as needed
	},
}

func getClientIpAddress(r *http.Request) (clientIP string) {
	// Get client IP from RemoteAddr
	clientIP = r.RemoteAddr

	// Check for real IP in headers (useful if behind proxy)
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		clientIP = realIP
	} else if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		clientIP = forwardedFor
	}
	return
}

// NewWebsocketHandlerFunc takes the raw http reader / writer,
// and abstracts it into WebsocketMessageHandler which works at the chan Message level.
// createHandler gets the upgrade request so it can read query parameters.
func NewWebsocketHandlerFunc(createHandler func(r *http.Request) (WebsocketMessageHandler, error)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIpAddress(r)
		log.Info().Str("client_ip", clientIP).Str("method", r.Method).Str("request_url", r.URL.String()).Msg("NewWebsocketHandlerFunc attempting to establish a websocket connection")

		handler, err := createHandler(r)
		if err != nil {
			log.Warn().Err(err).Str("client_ip", clientIP).Msg("refusing websocket connection")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { close(handler.GetReader()) }()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errLog(err, "websocket upgrader.Upgrade")
			return
		}
		defer func() { errLog(ignoreClosed(ws.Close()), "websocket.Close()") }()

		readDone := make(chan struct{})
		writeDone := make(chan struct{})
		defer func() {
			close(readDone)
			<-writeDone
		}()

		go func() {
			defer close(writeDone)
			for {
				var msg Message
				var ok bool
				select {
				case msg, ok = <-handler.GetWriter():
				case <-readDone:
					return
				}
				// Channel closed by the user, attempt to close connection gracefully.
				// That will also end up the reader routine.
				if !ok {
					log.Info().Msg("websocket writer channel closed, attempting to close connection gracefully")
					closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					errLog(ignoreClosed(ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))), "websocket.CloseMessage gracefully")
					return
				}

				if err := ws.WriteMessage(msg.Type, msg.Data); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
						log.Info().Msg("websocket too late to write message, as already closed")
					} else {
						errLog(err, "ws.WriteMessage")
					}
					return
				}
			}
		}()

		log.Info().Str("client_ip", clientIP).Msg("NewWebsocketHandlerFunc starting to read from the websocket")
		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseGoingAway) {
					log.Info().Msg("websocket connection closed normally from the other party")
				} else {
					log.Error().Err(err).Msg("couldn't read message from websocket")
				}
				// Usually, nothing good will happen ever after a bad websocket message
				return
			}
			handler.GetReader() <- Message{Type: messageType, Data: data}
		}
	}
}

func ignoreClosed(err error) error {
	if err == websocket.ErrCloseSent {
		return nil
	}
	return err
}

func errLog(err error, what string) {
	if err != nil {
		log.Error().Err(err).Msg(what)
		debug.PrintStack()
	}
}
