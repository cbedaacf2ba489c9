package audioio

import (
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/petrzlen/realtime-transcription/internal/networking"
	"github.com/petrzlen/realtime-transcription/pkg/audio_utils"
	"github.com/rs/zerolog/log"
)

// PCMHandler accepts raw PCM16LE binary frames from e.g. a browser AudioWorklet, and sends
// transcript updates back as JSON text frames. A text frame "stop" ends the stream.
type PCMHandler struct {
	*websocketSource
	oddByte []byte
}

// TranscriptUpdate is what PCMHandler clients receive.
type TranscriptUpdate struct {
	Type string `json:"type"`
	// Text is the whole transcript so far, ready to render.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewPCMHandler(sampleRate int) *PCMHandler {
	ph := &PCMHandler{}
	ph.websocketSource = newWebsocketSource(sampleRate, ph.handleMessage)
	return ph
}

func (ph *PCMHandler) handleMessage(msg networking.Message) {
	switch msg.Type {
	case websocket.BinaryMessage:
		data := msg.Data
		// A frame may split a sample, carry the odd byte over to the next frame.
		if len(ph.oddByte) > 0 {
			data = append(ph.oddByte, data...)
			ph.oddByte = nil
		}
		if len(data)%2 == 1 {
			ph.oddByte = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}
		if err := ph.Push(audio_utils.BytesToInt16(data)); err != nil {
			log.Debug().Err(err).Int("byte_length", len(data)).Msg("dropping pcm frame")
		}
	case websocket.TextMessage:
		command := strings.TrimSpace(string(msg.Data))
		if command == "stop" {
			log.Info().Msg("pcm client requested stop")
			ph.End()
			return
		}
		log.Warn().Str("command", command).Msg("unknown pcm client command")
	}
}

// SendUpdate queues an update for the client, false when the client is gone.
func (ph *PCMHandler) SendUpdate(update TranscriptUpdate) bool {
	data, err := sonic.Marshal(update)
	if err != nil {
		log.Error().Err(err).Msg("cannot encode transcript update")
		return false
	}
	return ph.Send(networking.TextMessage(data))
}
