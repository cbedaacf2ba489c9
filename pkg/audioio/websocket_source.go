package audioio

import (
	"sync"

	"github.com/petrzlen/realtime-transcription/internal/networking"
	"github.com/rs/zerolog/log"
)

// websocketSource glues a networking.WebsocketMessageHandler to a StreamSource:
// a decode func turns every inbound message into samples.
type websocketSource struct {
	*StreamSource

	readChan  chan networking.Message
	writeChan chan networking.Message
	gone      chan struct{}
	closeOnce sync.Once

	handle func(msg networking.Message)
}

func newWebsocketSource(sampleRate int, handle func(msg networking.Message)) *websocketSource {
	w := &websocketSource{
		StreamSource: NewStreamSource(sampleRate),
		readChan:     make(chan networking.Message, 100),
		writeChan:    make(chan networking.Message, 100),
		gone:         make(chan struct{}),
		handle:       handle,
	}
	go w.readMessagesUntilChanClosed()
	return w
}

func (w *websocketSource) GetReader() chan<- networking.Message {
	return w.readChan
}

func (w *websocketSource) GetWriter() <-chan networking.Message {
	return w.writeChan
}

func (w *websocketSource) readMessagesUntilChanClosed() {
	for msg := range w.readChan {
		w.handle(msg)
	}
	log.Info().Msg("websocket source finished, ending the stream")
	close(w.gone)
	w.End()
}

// Send queues a message for the peer and reports false once the connection is gone.
func (w *websocketSource) Send(msg networking.Message) bool {
	select {
	case <-w.gone:
		return false
	default:
	}
	select {
	case w.writeChan <- msg:
		return true
	case <-w.gone:
		return false
	}
}

// CloseConnection closes the websocket gracefully from our side.
func (w *websocketSource) CloseConnection() {
	w.closeOnce.Do(func() { close(w.writeChan) })
}

// Gone is closed when the peer disconnected.
func (w *websocketSource) Gone() <-chan struct{} {
	return w.gone
}
